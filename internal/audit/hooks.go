package audit

import (
	"github.com/any-hub/modserve/internal/module"
)

// Call identifies one API invocation being audited.
type Call struct {
	ID      string
	Request *module.Request
	API     string
}

// Hooks are invoked around API module calls. Any of them may be nil.
type Hooks struct {
	OnBegin     func(call Call, input any) error
	OnEnd       func(call Call, output any) error
	OnException func(call Call, cause error) error
}
