package postgres

import (
	"runtime"
	"strings"
)

// storePackages are skipped when looking for the code that asked for a query.
var storePackages = []string{
	"github.com/linnemanlabs/corerecon/internal/postgres.",
	"github.com/linnemanlabs/corerecon/internal/correlation/pgstore.",
}

// origin names the store method issuing a query and the first function
// above the store layer that called it.
type origin struct {
	store  string
	caller string
}

func queryOrigin() origin {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])

	var o origin
	for {
		fr, more := frames.Next()
		switch fn := fr.Function; {
		case fn == "" || isDriverFrame(fn):
		case o.store == "":
			o.store = shortFunc(fn)
		case !isStoreFrame(fn):
			o.caller = shortFunc(fn)
			return o
		}
		if !more {
			return o
		}
	}
}

func isDriverFrame(fn string) bool {
	return strings.HasPrefix(fn, "runtime.") ||
		strings.Contains(fn, "github.com/jackc/pgx/v5") ||
		strings.Contains(fn, "github.com/exaring/otelpgx") ||
		strings.Contains(fn, "queryTracer.TraceQuery")
}

func isStoreFrame(fn string) bool {
	for _, p := range storePackages {
		if strings.HasPrefix(fn, p) {
			return true
		}
	}
	return false
}

// shortFunc drops the import path and package name, keeping receiver and method.
func shortFunc(fn string) string {
	if i := strings.LastIndexByte(fn, '/'); i >= 0 {
		fn = fn[i+1:]
	}
	if _, rest, ok := strings.Cut(fn, "."); ok && rest != "" {
		return rest
	}
	return fn
}
