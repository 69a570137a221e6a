package server

import (
	"fmt"

	"github.com/any-hub/modserve/internal/module"
)

// Bootstrap 将模块注册表中的模块按注册顺序挂到 Host 注册表上。
func Bootstrap(modules *module.Registry, hosts *HostRegistry) error {
	for _, mod := range modules.Ordered() {
		if err := hosts.Register(mod); err != nil {
			return fmt.Errorf("module %s: %w", mod.Name, err)
		}
	}
	return nil
}
