// Package public holds the web page served on /.
package public

import (
	"embed"
)

//go:embed index.htm static
var FS embed.FS
