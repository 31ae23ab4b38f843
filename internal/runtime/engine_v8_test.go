//go:build v8

package runtime

import (
	"testing"

	"github.com/cryguy/openworker/internal/core"
	"github.com/cryguy/openworker/internal/v8engine"
)

func newEngine(t *testing.T) core.Engine {
	t.Helper()
	e, err := v8engine.New(64)
	if err != nil {
		t.Fatalf("v8engine.New: %v", err)
	}
	return e
}
