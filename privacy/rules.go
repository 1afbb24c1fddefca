package privacy

import (
	"context"
)

// AlwaysAllowRule grants unconditionally.
func AlwaysAllowRule() Rule {
	return RuleFunc(func(context.Context, *Request) error { return Allow })
}

// AlwaysDenyRule rejects unconditionally, typically the chain tail.
func AlwaysDenyRule() Rule {
	return RuleFunc(func(context.Context, *Request) error { return Deny })
}

// DenyIfNoUser rejects unauthenticated requests. Use it as the first
// rule of a chain that requires a session.
func DenyIfNoUser() Rule {
	return RuleFunc(func(_ context.Context, req *Request) error {
		if req.User == nil {
			return Denyf("privacy: no authenticated user")
		}
		return Skip
	})
}

// AllowIfRole grants when the request carries any of the roles.
func AllowIfRole(roles ...string) Rule {
	return RuleFunc(func(_ context.Context, req *Request) error {
		for _, have := range req.EffectiveRoles() {
			for _, want := range roles {
				if have == want {
					return Allow
				}
			}
		}
		return Skip
	})
}

// DenyIfRole rejects when the request carries any of the roles.
func DenyIfRole(roles ...string) Rule {
	return RuleFunc(func(_ context.Context, req *Request) error {
		for _, have := range req.EffectiveRoles() {
			for _, want := range roles {
				if have == want {
					return Denyf("privacy: role %s is blocked", have)
				}
			}
		}
		return Skip
	})
}

// OnAction narrows a rule to a subset of policy actions; other actions
// skip it.
func OnAction(rule Rule, actions ...string) Rule {
	return RuleFunc(func(ctx context.Context, req *Request) error {
		for _, a := range actions {
			if req.Action == a {
				return rule.Eval(ctx, req)
			}
		}
		return Skip
	})
}

// OnObject narrows a rule to a subset of objects.
func OnObject(rule Rule, objects ...string) Rule {
	return RuleFunc(func(ctx context.Context, req *Request) error {
		for _, o := range objects {
			if req.Object == o {
				return rule.Eval(ctx, req)
			}
		}
		return Skip
	})
}
