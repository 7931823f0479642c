// Package convention implements the method-name-matching rules shared by
// the dispatcher (On<Type> handlers) and the event-sourced state
// provider's aggregator (On<Type> reducers): reflection over a plain Go
// value, keyed by the "pretty name" of a message type string. Handler and
// reducer methods must be exported; reflection cannot see unexported ones.
package convention

import (
	"reflect"
	"strings"
)

// PrettyName returns the substring of typeName after its last ".", or the
// whole string if there is no ".".
func PrettyName(typeName string) string {
	idx := strings.LastIndex(typeName, ".")
	if idx < 0 {
		return typeName
	}
	return typeName[idx+1:]
}

// FindMethod looks up a method named prefix+Title(PrettyName(typeName)) on
// target, e.g. prefix "On" and type "order.increment" resolve OnIncrement.
func FindMethod(target any, prefix, typeName string) (reflect.Value, bool) {
	if target == nil {
		return reflect.Value{}, false
	}
	m := reflect.ValueOf(target).MethodByName(prefix + Title(PrettyName(typeName)))
	return m, m.IsValid()
}

// Title upper-cases the first byte of s, so lower-cased wire type names
// still resolve exported handler methods.
func Title(s string) string {
	if s == "" {
		return s
	}
	if s[0] >= 'a' && s[0] <= 'z' {
		return string(s[0]-'a'+'A') + s[1:]
	}
	return s
}
