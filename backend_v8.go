//go:build v8

package worker

import (
	"github.com/cryguy/openworker/internal/core"
	"github.com/cryguy/openworker/internal/v8engine"
)

func newEngine(memoryLimitMB int) (core.Engine, error) {
	e, err := v8engine.New(memoryLimitMB)
	if err != nil {
		return nil, err
	}
	return e, nil
}
