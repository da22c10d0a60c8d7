package corun

import "github.com/samber/do"

// Provide registers a *Pool built from cfg with the injector. The pool
// is created on first use and closed by i.Shutdown().
func Provide(i *do.Injector, cfg Config) {
	do.Provide(i, func(i *do.Injector) (*Pool, error) {
		return New(cfg)
	})
}

var _ do.Shutdownable = (*Pool)(nil)
