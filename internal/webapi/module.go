package webapi

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	esbuild "github.com/evanw/esbuild/pkg/api"
)

// moduleGlobal holds the esbuild IIFE result before it is unwrapped into
// globalThis.__worker_module__.
const moduleGlobal = "__worker_exports__"

var reModuleSyntax = regexp.MustCompile(`(?m)^\s*(export|import)[\s{*]`)

// IsModule reports whether source uses ES module syntax at the top level.
func IsModule(source string) bool {
	return reModuleSyntax.MatchString(source)
}

// WrapModule turns an ES module into a classic script that publishes its
// exports as globalThis.__worker_module__. The default export wins over
// the namespace when present. When resolveDir is set, relative imports are
// bundled from it; otherwise the source must be self-contained.
// Classic scripts are returned unchanged.
func WrapModule(source, resolveDir string) (string, error) {
	if !IsModule(source) {
		return source, nil
	}

	var (
		code []byte
		msgs []esbuild.Message
	)
	if resolveDir != "" {
		res := esbuild.Build(esbuild.BuildOptions{
			Stdin: &esbuild.StdinOptions{
				Contents:   source,
				ResolveDir: resolveDir,
				Sourcefile: "worker.js",
				Loader:     esbuild.LoaderJS,
			},
			Bundle:     true,
			Write:      false,
			Format:     esbuild.FormatIIFE,
			GlobalName: moduleGlobal,
			Platform:   esbuild.PlatformBrowser,
			Target:     esbuild.ES2022,
		})
		msgs = res.Errors
		if len(res.OutputFiles) > 0 {
			code = res.OutputFiles[0].Contents
		}
	} else {
		res := esbuild.Transform(source, esbuild.TransformOptions{
			Loader:     esbuild.LoaderJS,
			Format:     esbuild.FormatIIFE,
			GlobalName: moduleGlobal,
			Target:     esbuild.ES2022,
			Sourcefile: "worker.js",
		})
		msgs = res.Errors
		code = res.Code
	}
	if len(msgs) > 0 {
		errs := make([]error, 0, len(msgs))
		for _, m := range msgs {
			if m.Location != nil {
				errs = append(errs, fmt.Errorf("%s:%d:%d: %s", m.Location.File, m.Location.Line, m.Location.Column, m.Text))
			} else {
				errs = append(errs, errors.New(m.Text))
			}
		}
		return "", fmt.Errorf("wrapping module: %w", errors.Join(errs...))
	}

	var b strings.Builder
	b.Write(code)
	b.WriteString("\nglobalThis.__worker_module__ = (" + moduleGlobal + " && " + moduleGlobal + ".default) || " + moduleGlobal + ";\n")
	return b.String(), nil
}
