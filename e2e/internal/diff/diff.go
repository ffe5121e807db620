// Package diff renders human-readable differences for failure messages.
package diff

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/astriaorg/astria/system-tests/e2e/internal/upgradesinfo"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/hexops/gotextdiff"
	"github.com/hexops/gotextdiff/myers"
	"github.com/hexops/gotextdiff/span"
)

// JSON returns a unified diff of two JSON documents. Only byte-identical inputs yield "".
// Documents are indented before diffing; when they differ only in whitespace, or are not
// valid JSON, the raw bytes are diffed instead.
func JSON(oldName, newName string, before, after []byte) string {
	if bytes.Equal(before, after) {
		return ""
	}
	a, b := indent(before), indent(after)
	if a == b {
		a, b = string(before)+"\n", string(after)+"\n"
	}
	edits := myers.ComputeEdits(span.URIFromPath(oldName), a, b)
	return fmt.Sprint(gotextdiff.ToUnified(oldName, newName, a, edits))
}

func indent(doc []byte) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, doc, "", "  "); err != nil {
		return string(doc) + "\n"
	}
	buf.WriteByte('\n')
	return buf.String()
}

// ChangeInfos compares two nodes' views of upgrade changes irrespective of order. It returns
// "" when they agree.
func ChangeInfos(want, got []upgradesinfo.ChangeInfo) string {
	return cmp.Diff(want, got,
		cmpopts.EquateEmpty(),
		cmpopts.SortSlices(func(a, b upgradesinfo.ChangeInfo) bool { return a.ChangeName < b.ChangeName }),
	)
}
