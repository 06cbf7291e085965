package perception

import (
	"context"

	"github.com/dmu1981/botfabric/node"
)

func nilCancelContext() context.Context {
	return context.Background()
}

func drainHandles(handles []node.Handle) {
	for _, h := range handles {
		go func(h node.Handle) { <-h }(h)
	}
}
