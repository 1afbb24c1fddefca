// Package schema holds the metadata definitions that drive the engine:
// objects, fields, validation rules, actions, roles and policies.
//
// The structs map one-to-one onto the YAML documents metadata packages
// ship, so a loaded file is already the runtime representation. An object
// file declares its fields, actions, listeners and rules; the object name
// is inferred from the file name unless set explicitly:
//
//	label: Accounts
//	icon: building
//	fields:
//	  name:
//	    type: text
//	    required: true
//	  status:
//	    type: select
//	    options:
//	      - label: Active
//	        value: active
//	  owner:
//	    type: lookup
//	    reference_to: users
//
// # Merging
//
// Packages may refine objects declared by earlier packages. Definitions
// for the same object merge deterministically: top-level properties are
// overridden, field maps merge per field, action and listener maps merge
// key by key, index lists concatenate with duplicate suppression by name.
// See Merge for the exact rules.
//
// # System fields
//
// Every object carries the managed fields id, created_at, updated_at,
// created_by and updated_by. EnsureSystemFields injects the definitions
// the file omitted; the pipeline stamps their values.
package schema
