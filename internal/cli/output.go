package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/ryjox/synrix/pkg/lattice"
)

// Every command emits exactly one JSON line on stdout of the form
// {"success": bool, ...}. Diagnostics go to stderr.

type nodeJSON struct {
	ID        uint64 `json:"id"`
	Type      uint8  `json:"type"`
	Name      string `json:"name"`
	Data      string `json:"data"`
	Parent    uint64 `json:"parent,omitempty"`
	CreatedAt uint64 `json:"created_at"`
}

func nodeToJSON(node lattice.Node) nodeJSON {
	return nodeJSON{
		ID:        node.ID,
		Type:      uint8(node.Type),
		Name:      string(node.Name),
		Data:      string(node.Data),
		Parent:    node.Parent,
		CreatedAt: node.CreatedAt,
	}
}

// emit writes v as a single JSON line. v must marshal; a marshal
// failure is a programming error reported as a plain error line.
func emit(out io.Writer, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		fmt.Fprintf(out, `{"success":false,"error":%q}`+"\n", err.Error())

		return
	}

	fmt.Fprintln(out, string(raw))
}

// emitError writes the failure line for err.
func emitError(out io.Writer, err error) {
	emit(out, map[string]any{
		"success": false,
		"error":   err.Error(),
	})
}
