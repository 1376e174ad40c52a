// Package plugins assembles the built-in detection plugins.
package plugins

import (
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-audit/internal/analysis/audit/eval"
	"github.com/xkilldash9x/scalpel-audit/internal/analysis/audit/xpath"
	"github.com/xkilldash9x/scalpel-audit/internal/analysis/core"
	"github.com/xkilldash9x/scalpel-audit/internal/analysis/grep/error500"
	"github.com/xkilldash9x/scalpel-audit/internal/analysis/grep/headers"
	"github.com/xkilldash9x/scalpel-audit/internal/analysis/grep/oracle"
)

// NewRegistry returns a registry holding a fresh instance of every built-in
// plugin. Grep plugins are registered first so they precede audit plugins
// when no dependency says otherwise.
func NewRegistry(logger *zap.Logger) *core.Registry {
	r := core.NewRegistry()
	if err := r.Register(
		error500.New(logger),
		oracle.New(logger),
		headers.New(logger),
		eval.New(logger),
		xpath.New(logger),
	); err != nil {
		// Names are constants; a collision is a programming error.
		panic(err)
	}
	return r
}
