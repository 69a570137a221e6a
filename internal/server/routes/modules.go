package routes

import (
	"sort"
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/modserve/internal/audit"
	"github.com/any-hub/modserve/internal/module"
	"github.com/any-hub/modserve/internal/server"
)

// RegisterModuleRoutes 暴露 /-/modules 诊断接口，供 SRE 查询模块与 Host 绑定关系。
func RegisterModuleRoutes(app *fiber.App, modules *module.Registry, hosts *server.HostRegistry) {
	if app == nil || modules == nil || hosts == nil {
		return
	}

	app.Get("/-/modules", func(c fiber.Ctx) error {
		hookStatus := audit.Snapshot(modules.Keys())
		payload := fiber.Map{
			"modules":       encodeModules(modules.List(), hookStatus),
			"hosts":         encodeHostBindings(hosts.Bindings()),
			"hook_registry": hookStatus,
		}
		return c.JSON(payload)
	})

	app.Get("/-/modules/:key", func(c fiber.Ctx) error {
		key := strings.ToLower(strings.TrimSpace(c.Params("key")))
		if key == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "module_key_required"})
		}
		mod, ok := modules.Resolve(key)
		if !ok {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "module_not_found"})
		}
		encoded := encodeModule(mod)
		encoded.HookStatus = audit.Status(key)
		return c.JSON(encoded)
	})
}

type modulePayload struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Hosts       []string          `json:"hosts"`
	Prefixes    []string          `json:"prefixes"`
	Async       bool              `json:"async"`
	Endpoints   []module.Endpoint `json:"endpoints,omitempty"`
	HookStatus  string            `json:"hook_status,omitempty"`
}

type hostBindingPayload struct {
	Host    string   `json:"host"`
	Modules []string `json:"modules"`
}

func encodeModules(mods []*module.Module, status map[string]string) []modulePayload {
	if len(mods) == 0 {
		return nil
	}
	sort.Slice(mods, func(i, j int) bool {
		return mods[i].Name < mods[j].Name
	})
	result := make([]modulePayload, 0, len(mods))
	for _, mod := range mods {
		item := encodeModule(mod)
		if s, ok := status[strings.ToLower(mod.Name)]; ok {
			item.HookStatus = s
		}
		result = append(result, item)
	}
	return result
}

func encodeModule(mod *module.Module) modulePayload {
	hosts := append([]string(nil), mod.Hosts...)
	if len(hosts) == 0 {
		hosts = []string{server.AnyHost}
	}
	prefixes := append([]string(nil), mod.Prefixes...)
	if len(prefixes) == 0 {
		prefixes = []string{"/"}
	}
	return modulePayload{
		Name:        mod.Name,
		Description: mod.Description,
		Hosts:       hosts,
		Prefixes:    prefixes,
		Async:       mod.IsAsync(),
		Endpoints:   mod.ListEndpoints(),
	}
}

func encodeHostBindings(bindings map[string][]string) []hostBindingPayload {
	if len(bindings) == 0 {
		return nil
	}
	result := make([]hostBindingPayload, 0, len(bindings))
	for host, names := range bindings {
		result = append(result, hostBindingPayload{Host: host, Modules: append([]string(nil), names...)})
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Host < result[j].Host
	})
	return result
}
