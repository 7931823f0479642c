// Package dispatch implements the engine's convention-based dispatcher and
// the per-message Buffered Dispatch Context that accumulates a handler's
// published/stored outputs until they are committed.
package dispatch

import (
	"reflect"

	"github.com/chris-alexander-pop/eventcore/pkg/core"
	"github.com/chris-alexander-pop/eventcore/pkg/coreerr"
	"github.com/chris-alexander-pop/eventcore/pkg/internal/convention"
)

// TypeNameFunc resolves the mapper name used to look up a handler method;
// the default is the message's own Type string.
type TypeNameFunc func(msg core.Message) string

// Dispatcher resolves a handler target's On<Type> method by convention and
// invokes it, with optional Before/After/Invalid hooks. Handler methods
// must be exported (reflection cannot see unexported ones); the pretty
// name of the message type is title-cased, so type "tally.increment"
// resolves OnIncrement.
type Dispatcher struct {
	Target   any
	TypeName TypeNameFunc
}

// New builds a Dispatcher over target. typeName may be nil to use the
// message's own Type.
func New(target any, typeName TypeNameFunc) *Dispatcher {
	if typeName == nil {
		typeName = func(msg core.Message) string { return msg.Type }
	}
	return &Dispatcher{Target: target, TypeName: typeName}
}

// CanDispatch reports whether Target exposes an On<Type> method for msg.
func (d *Dispatcher) CanDispatch(msg core.Message) bool {
	_, ok := convention.FindMethod(d.Target, "On", d.TypeName(msg))
	return ok
}

// Dispatch resolves and invokes the handler for msg. If validation failed,
// it calls Target.Invalid(msg, ctx) when present, otherwise returns
// CodeNoInvalidHandler. Otherwise it runs Before(msg, ctx), On<Type>(payload,
// ctx), After(msg, ctx) in order, returning On<Type>'s return value (used as
// the published response by RPC-style sources).
func (d *Dispatcher) Dispatch(msg core.Message, ctx *Context, validation core.ValidationResult) (any, error) {
	if !validation.Success {
		if m, ok := fixedMethod(d.Target, "Invalid"); ok {
			return invoke(m, msg, ctx)
		}
		return nil, coreerr.New(coreerr.CodeNoInvalidHandler, "message failed validation and handler has no Invalid method", nil)
	}

	if m, ok := fixedMethod(d.Target, "Before"); ok {
		if _, err := invoke(m, msg, ctx); err != nil {
			return nil, err
		}
	}

	m, ok := convention.FindMethod(d.Target, "On", d.TypeName(msg))
	if !ok {
		return nil, coreerr.New(coreerr.CodeNoInvalidHandler, "no On"+convention.Title(convention.PrettyName(d.TypeName(msg)))+" method", nil)
	}
	result, err := invokePayload(m, msg.Payload, ctx)
	if err != nil {
		return result, err
	}

	if am, ok := fixedMethod(d.Target, "After"); ok {
		if _, aerr := invoke(am, msg, ctx); aerr != nil {
			return result, aerr
		}
	}

	return result, nil
}

func fixedMethod(target any, name string) (reflect.Value, bool) {
	if target == nil {
		return reflect.Value{}, false
	}
	m := reflect.ValueOf(target).MethodByName(name)
	return m, m.IsValid()
}

// invoke calls m(msg, ctx) and normalizes its return values into (value, error).
func invoke(m reflect.Value, msg core.Message, ctx *Context) (any, error) {
	return call(m, reflect.ValueOf(msg), reflect.ValueOf(ctx))
}

// invokePayload calls m(payload, ctx) and normalizes its return values.
func invokePayload(m reflect.Value, payload any, ctx *Context) (any, error) {
	var payloadVal reflect.Value
	if payload == nil {
		payloadVal = reflect.New(m.Type().In(0)).Elem()
	} else {
		payloadVal = reflect.ValueOf(payload)
	}
	return call(m, payloadVal, reflect.ValueOf(ctx))
}

var errType = reflect.TypeOf((*error)(nil)).Elem()

func call(m reflect.Value, args ...reflect.Value) (any, error) {
	results := m.Call(args)
	var value any
	var err error
	for _, r := range results {
		// Check the declared type, not the dynamic value: a nil error return
		// loses its type through Interface() and must not clobber the value.
		if r.Type().Implements(errType) {
			if !r.IsNil() {
				err = r.Interface().(error)
			}
			continue
		}
		value = r.Interface()
	}
	return value, err
}
