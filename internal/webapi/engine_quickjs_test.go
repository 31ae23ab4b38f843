//go:build !v8

package webapi_test

import (
	"testing"

	"github.com/cryguy/openworker/internal/core"
	"github.com/cryguy/openworker/internal/quickjs"
)

func newEngine(t *testing.T) core.Engine {
	t.Helper()
	e, err := quickjs.New(64)
	if err != nil {
		t.Fatalf("quickjs.New: %v", err)
	}
	return e
}
