package rpc

import (
	"errors"
	"net/http"

	"github.com/tabula-io/tabula"
)

// TypeField tags single-record responses with the object name.
const TypeField = "@type"

// Meta describes the page window of a list response. Page numbers are
// 1-based; Pages is the total page count for the effective filter.
type Meta struct {
	Total   int64 `json:"total"`
	Page    int   `json:"page"`
	Size    int   `json:"size"`
	Pages   int   `json:"pages"`
	HasNext bool  `json:"has_next"`
}

// ListResponse is the envelope for list operations.
type ListResponse struct {
	Items []tabula.Record `json:"items"`
	Meta  Meta            `json:"meta"`
}

// CountResponse is the envelope for count.
type CountResponse struct {
	Count int64 `json:"count"`
}

// DeleteResponse acknowledges a delete.
type DeleteResponse struct {
	ID      string `json:"id"`
	Deleted bool   `json:"deleted"`
	Type    string `json:"@type"`
}

// UpdateManyResponse reports the affected row count of a bulk update.
type UpdateManyResponse struct {
	Updated int64 `json:"updated"`
}

// DeleteManyResponse reports the affected row count of a bulk delete.
type DeleteManyResponse struct {
	Deleted int64 `json:"deleted"`
}

// ActionResponse wraps non-record action results.
type ActionResponse struct {
	Result any `json:"result"`
}

// ErrorBody is the wire form of a failure.
type ErrorBody struct {
	Code    tabula.Code    `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// ErrorResponse is the envelope for failures. It never carries data
// siblings; a response holds either results or an error.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// ErrorEnvelope renders any error into the wire envelope.
func ErrorEnvelope(err error) *ErrorResponse {
	body := ErrorBody{Code: tabula.CodeOf(err), Message: err.Error()}
	var te *tabula.Error
	if errors.As(err, &te) {
		body.Message = te.Message
		body.Details = te.Details
	}
	return &ErrorResponse{Error: body}
}

// HTTPStatus maps an error code onto its transport status.
func HTTPStatus(code tabula.Code) int {
	switch code {
	case tabula.CodeInvalidRequest, tabula.CodeValidation:
		return http.StatusBadRequest
	case tabula.CodeUnauthorized:
		return http.StatusUnauthorized
	case tabula.CodeForbidden, tabula.CodeTenantIsolation:
		return http.StatusForbidden
	case tabula.CodeNotFound:
		return http.StatusNotFound
	case tabula.CodeConflict:
		return http.StatusConflict
	case tabula.CodeRateLimit:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// listMeta computes the page window from the query's skip and limit.
// Without an explicit limit the whole result is one page.
func listMeta(total int64, skip int, limit *int) Meta {
	m := Meta{Total: total}
	if limit == nil || *limit <= 0 {
		m.Page = 1
		m.Size = int(total)
		m.Pages = 1
		return m
	}
	size := *limit
	m.Size = size
	m.Page = skip/size + 1
	m.Pages = int((total + int64(size) - 1) / int64(size))
	m.HasNext = m.Page < m.Pages
	return m
}

// typed clones the record and tags it with the object name. A nil
// record clones to nil, so allocate before tagging.
func typed(object string, rec tabula.Record) tabula.Record {
	out := rec.Clone()
	if out == nil {
		out = make(tabula.Record, 1)
	}
	out[TypeField] = object
	return out
}
