// Package require mirrors the small, dependency-free assertion helper the
// teacher's own core packages use in place of testify (internal/testing/
// require): each function calls t.Helper() and t.Fatalf on failure so test
// output points at the caller's line, not this package's.
package require

import (
	"errors"
	"fmt"
	"reflect"
	"testing"
)

func fail(t testing.TB, format string, args ...interface{}) {
	t.Helper()
	t.Fatalf(format, args...)
}

// True fails unless v is true.
func True(t testing.TB, v bool, msgAndArgs ...interface{}) {
	t.Helper()
	if !v {
		fail(t, "expected true%s", describe(msgAndArgs))
	}
}

// False fails unless v is false.
func False(t testing.TB, v bool, msgAndArgs ...interface{}) {
	t.Helper()
	if v {
		fail(t, "expected false%s", describe(msgAndArgs))
	}
}

// Equal fails unless expected and actual are deeply equal.
func Equal(t testing.TB, expected, actual interface{}, msgAndArgs ...interface{}) {
	t.Helper()
	if !reflect.DeepEqual(expected, actual) {
		fail(t, "expected %#v, but found %#v%s", expected, actual, describe(msgAndArgs))
	}
}

// NotEqual fails if expected and actual are deeply equal.
func NotEqual(t testing.TB, expected, actual interface{}, msgAndArgs ...interface{}) {
	t.Helper()
	if reflect.DeepEqual(expected, actual) {
		fail(t, "expected values to differ, both were %#v%s", actual, describe(msgAndArgs))
	}
}

// NoError fails if err is non-nil.
func NoError(t testing.TB, err error, msgAndArgs ...interface{}) {
	t.Helper()
	if err != nil {
		fail(t, "unexpected error: %v%s", err, describe(msgAndArgs))
	}
}

// Error fails if err is nil.
func Error(t testing.TB, err error, msgAndArgs ...interface{}) {
	t.Helper()
	if err == nil {
		fail(t, "expected an error%s", describe(msgAndArgs))
	}
}

// ErrorIs fails unless errors.Is(err, target).
func ErrorIs(t testing.TB, err, target error, msgAndArgs ...interface{}) {
	t.Helper()
	if !errors.Is(err, target) {
		fail(t, "expected error chain to contain %v, but found %v%s", target, err, describe(msgAndArgs))
	}
}

// Nil fails unless v is nil (or a nil interface/pointer/slice/map).
func Nil(t testing.TB, v interface{}, msgAndArgs ...interface{}) {
	t.Helper()
	if !isNil(v) {
		fail(t, "expected nil, but found %#v%s", v, describe(msgAndArgs))
	}
}

// NotNil fails if v is nil.
func NotNil(t testing.TB, v interface{}, msgAndArgs ...interface{}) {
	t.Helper()
	if isNil(v) {
		fail(t, "expected non-nil value%s", describe(msgAndArgs))
	}
}

func isNil(v interface{}) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Chan, reflect.Func, reflect.Interface, reflect.Map, reflect.Ptr, reflect.Slice:
		return rv.IsNil()
	}
	return false
}

func describe(msgAndArgs []interface{}) string {
	if len(msgAndArgs) == 0 {
		return ""
	}
	if format, ok := msgAndArgs[0].(string); ok {
		return ": " + fmt.Sprintf(format, msgAndArgs[1:]...)
	}
	return fmt.Sprintf(": %v", msgAndArgs)
}

// CapturePanic runs fn and converts a panic, if any, into an error; used by
// tests that assert a compiler/runtime invariant panics rather than
// returning an error (mirrors the teacher's own CapturePanic helper).
func CapturePanic(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = e
			} else {
				err = fmt.Errorf("%v", r)
			}
		}
	}()
	fn()
	return
}
