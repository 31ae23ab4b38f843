//go:build !v8

package worker

import (
	"github.com/cryguy/openworker/internal/core"
	"github.com/cryguy/openworker/internal/quickjs"
)

func newEngine(memoryLimitMB int) (core.Engine, error) {
	e, err := quickjs.New(memoryLimitMB)
	if err != nil {
		return nil, err
	}
	return e, nil
}
