package cache

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/dreamware/taskexec/internal/dag"
	"github.com/dreamware/taskexec/internal/store"
)

// Key identifies a cacheable execution group result (spec §3, "Cache
// key"). DataHash covers everything that affects the bytes produced;
// VariantHash covers metadata that must match for a hit but never affects
// output bytes, so the event stream stays faithful to what the caller
// actually asked for.
type Key struct {
	Data    store.Key
	Variant store.Key
}

func (k Key) String() string {
	return k.Data.String() + ":" + k.Variant.String()
}

// InputHashes resolves every dependency of a group to the store key
// holding its current content, keyed by the handle id string — computed
// by the caller (the scheduler knows the current store keys; this
// package only hashes what it is given).
type InputHashes map[string]store.Key

// ComputeDataHash hashes everything that affects the bytes an execution
// group produces: every execution's command, args, input file content
// hashes and in-sandbox paths, and sandbox constraints (spec §3).
func ComputeDataHash(group *dag.ExecutionGroup, inputs InputHashes) store.Key {
	var b strings.Builder
	for _, e := range group.Executions {
		fmt.Fprintf(&b, "cmd:%s\n", e.Command.Path)
		for _, a := range e.Command.Args {
			fmt.Fprintf(&b, "arg:%s\n", a)
		}
		for _, k := range sortedKeys(e.Env) {
			fmt.Fprintf(&b, "env:%s\n", k)
		}

		paths := make([]string, 0, len(e.Inputs))
		for p := range e.Inputs {
			paths = append(paths, p)
		}
		sort.Strings(paths)
		for _, p := range paths {
			in := e.Inputs[p]
			fmt.Fprintf(&b, "in:%s:%s:%v:%s\n", p, in.Handle.ID, in.Executable, inputs[in.Handle.ID.String()])
		}
		if e.Stdin != nil {
			fmt.Fprintf(&b, "stdin:%s:%s\n", e.Stdin.ID, inputs[e.Stdin.ID.String()])
		}

		outs := append([]string(nil), e.Outputs...)
		sort.Strings(outs)
		for _, o := range outs {
			fmt.Fprintf(&b, "out:%s\n", o)
		}

		fmt.Fprintf(&b, "constraints:%v\n", e.Constraints)
		fmt.Fprintf(&b, "limits:%v\n", e.Limits)
		if e.CacheSkipKey != "" {
			fmt.Fprintf(&b, "skip:%s\n", e.CacheSkipKey)
		}
	}
	for _, f := range group.FIFOs {
		fmt.Fprintf(&b, "fifo:%s\n", f.ID)
	}
	return store.HashBytes([]byte(b.String()))
}

// ComputeVariantHash hashes description and metadata that does not affect
// output bytes but must match for a hit, to preserve an identical event
// stream across runs (spec §3).
func ComputeVariantHash(group *dag.ExecutionGroup) store.Key {
	var b strings.Builder
	fmt.Fprintf(&b, "group:%s\n", group.Description)
	for _, e := range group.Executions {
		fmt.Fprintf(&b, "exec:%s\n", e.Description)
		fmt.Fprintf(&b, "tag:%s\n", e.Tag)
		fmt.Fprintf(&b, "priority:%s\n", strconv.Itoa(e.Priority))
	}
	return store.HashBytes([]byte(b.String()))
}

func sortedKeys(env []string) []string {
	out := append([]string(nil), env...)
	sort.Strings(out)
	return out
}
