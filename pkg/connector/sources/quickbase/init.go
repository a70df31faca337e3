package quickbase

import (
	"github.com/dataglider/qbridge/pkg/config"
	"github.com/dataglider/qbridge/pkg/connector/core"
	"github.com/dataglider/qbridge/pkg/connector/registry"
)

func init() {
	_ = registry.RegisterSource("quickbase", func(cfg *config.BaseConfig) (core.Source, error) {
		return NewQuickbaseSource(), nil
	})
}
