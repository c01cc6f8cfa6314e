package functions

import (
	_ "embed"
	"fmt"
)

// ViewerRequestJS rewrites directory requests to their index document and
// answers KVS-listed directory paths with a redirect to the trailing-slash
// form.
//
//go:embed viewer-request.js
var ViewerRequestJS []byte

// BuildFunctionCode prepends the KVS id the source reads as kvsId.
func BuildFunctionCode(jsSource []byte, kvsID string) []byte {
	header := fmt.Sprintf("var kvsId = '%s';\n", kvsID)
	return append([]byte(header), jsSource...)
}
