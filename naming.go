package eventbus

import (
	"path"
	"reflect"
	"strings"

	"github.com/go-openapi/swag"
)

// NamingConvention formats derived entity and group names.
type NamingConvention int

const (
	// KebabCase produces names like "order-placed".
	KebabCase NamingConvention = iota
	// SnakeCase produces names like "order_placed".
	SnakeCase
	// DotCase produces names like "order.placed".
	DotCase
)

// Separator returns the word separator of the convention.
func (c NamingConvention) Separator() string {
	switch c {
	case SnakeCase:
		return "_"
	case DotCase:
		return "."
	default:
		return "-"
	}
}

// ConsumerNameSource selects what consumer-group names are derived from.
type ConsumerNameSource int

const (
	// TypeName derives the group from the consumer type name.
	TypeName ConsumerNameSource = iota
	// Prefix uses the application name only, so every consumer of the
	// application shares a group per entity.
	Prefix
	// PrefixAndTypeName joins the application name and the consumer type name.
	PrefixAndTypeName
)

// DeadletterSuffix is appended to entity names to form dead-letter entities.
const DeadletterSuffix = "deadletter"

// NamingOptions controls how names are derived from Go types.
type NamingOptions struct {
	// Scope, if set, prefixes every entity and group name, e.g. "dev".
	Scope string

	Convention NamingConvention

	// UseFullTypeNames prefixes event names with the package name.
	UseFullTypeNames bool

	// TrimTypeNames strips "Event" from event type names and "Consumer" from
	// consumer type names.
	TrimTypeNames bool

	ConsumerNameSource ConsumerNameSource

	// ApplicationName is used by the Prefix and PrefixAndTypeName sources.
	ApplicationName string
}

// DefaultNamingOptions returns kebab-case names with trimmed type names.
func DefaultNamingOptions() NamingOptions {
	return NamingOptions{
		Convention:         KebabCase,
		TrimTypeNames:      true,
		ConsumerNameSource: TypeName,
	}
}

// Format converts an arbitrary name into the configured convention.
// Known initialisms such as HTTP or ID stay one word; register more with
// swag.AddInitialisms.
func (o NamingOptions) Format(name string) string {
	switch o.Convention {
	case KebabCase:
		return swag.ToCommandName(name)
	default:
		return strings.ReplaceAll(swag.ToFileName(name), "_", o.Convention.Separator())
	}
}

// EventName derives the event name of t, without scope.
func (o NamingOptions) EventName(t reflect.Type) string {
	t = baseType(t)
	name := typeBaseName(t)
	if o.TrimTypeNames {
		name = trimSuffix(name, "Event")
	}
	if o.UseFullTypeNames && t.PkgPath() != "" {
		name = path.Base(t.PkgPath()) + "." + name
	}
	return o.Format(name)
}

// EntityName derives the broker entity name of t.
func (o NamingOptions) EntityName(t reflect.Type) string {
	return o.scoped(o.EventName(t))
}

// DeadletterName returns the dead-letter entity for entity.
func (o NamingOptions) DeadletterName(entity string) string {
	return entity + o.Convention.Separator() + DeadletterSuffix
}

// GroupName derives the consumer-group name of a consumer.
func (o NamingOptions) GroupName(consumerName string) string {
	name := consumerName
	if o.TrimTypeNames {
		name = trimSuffix(trimSuffix(name, "Consumer"), "Event")
	}
	var group string
	switch o.ConsumerNameSource {
	case Prefix:
		group = o.Format(o.ApplicationName)
		if group == "" {
			group = o.Format(name)
		}
	case PrefixAndTypeName:
		group = o.Format(name)
		if app := o.Format(o.ApplicationName); app != "" {
			group = app + o.Convention.Separator() + group
		}
	default:
		group = o.Format(name)
	}
	return o.scoped(group)
}

func (o NamingOptions) scoped(name string) string {
	if o.Scope == "" {
		return name
	}
	return o.Format(o.Scope) + o.Convention.Separator() + name
}

// FullTypeName returns the fully qualified name of t, e.g. "example.com/orders.OrderPlaced".
// Pointer types are named after their element type.
func FullTypeName(t reflect.Type) string {
	t = baseType(t)
	if t.PkgPath() == "" {
		return t.String()
	}
	return t.PkgPath() + "." + typeBaseName(t)
}

func baseType(t reflect.Type) reflect.Type {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t
}

// typeBaseName drops type arguments from generic type names.
func typeBaseName(t reflect.Type) string {
	name := t.Name()
	if name == "" {
		name = t.String()
	}
	if i := strings.IndexByte(name, '['); i > 0 {
		name = name[:i]
	}
	return name
}

func trimSuffix(name, suffix string) string {
	if trimmed := strings.TrimSuffix(name, suffix); trimmed != "" {
		return trimmed
	}
	return name
}
