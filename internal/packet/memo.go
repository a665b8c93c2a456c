package packet

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// nextKey nests the following step inside an instruction's arguments.
const nextKey = "next"

func kindOf(name string) InstructionKind {
	switch name {
	case "forward":
		return KindForward
	case "wasm":
		return KindContract
	case "swap", "osmosis_swap":
		return KindSwap
	default:
		return KindUnknown
	}
}

type memoFrame struct {
	raw    json.RawMessage
	parent int
	depth  int
}

// walkMemo flattens a memo object into an instruction arena. It uses an
// explicit stack so attacker-controlled nesting cannot grow the goroutine
// stack. Memos that are not JSON objects carry no instructions.
func walkMemo(memo string, maxDepth, maxNodes int) ([]Instruction, error) {
	trimmed := bytes.TrimSpace([]byte(memo))
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, nil
	}
	if !json.Valid(trimmed) {
		return nil, nil
	}

	var arena []Instruction
	stack := []memoFrame{{raw: trimmed, parent: -1, depth: 1}}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if f.depth > maxDepth {
			return nil, &DecodeError{Kind: ErrTooDeep, Field: "memo", Err: fmt.Errorf("depth %d exceeds %d", f.depth, maxDepth)}
		}
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(f.raw, &obj); err != nil {
			return nil, malformed("memo", err)
		}
		names := make([]string, 0, len(obj))
		for k := range obj {
			names = append(names, k)
		}
		sort.Strings(names)

		var children []memoFrame
		for _, name := range names {
			if len(arena) >= maxNodes {
				return nil, malformed("memo", fmt.Errorf("more than %d instructions", maxNodes))
			}
			kind := kindOf(name)
			args := obj[name]
			var next json.RawMessage
			if kind != KindUnknown {
				var err error
				args, next, err = splitNext(args)
				if err != nil {
					return nil, malformed("memo."+name, err)
				}
			}
			arena = append(arena, Instruction{
				Kind:   kind,
				Name:   name,
				Args:   args,
				Parent: f.parent,
				Depth:  f.depth,
			})
			if next != nil {
				children = append(children, memoFrame{raw: next, parent: len(arena) - 1, depth: f.depth + 1})
			}
		}
		for i := len(children) - 1; i >= 0; i-- {
			stack = append(stack, children[i])
		}
	}
	return arena, nil
}

// splitNext removes the nested step from an instruction's arguments. The
// nested step may be an object or a JSON document encoded as a string.
func splitNext(args json.RawMessage) (json.RawMessage, json.RawMessage, error) {
	trimmed := bytes.TrimSpace(args)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return args, nil, nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return nil, nil, err
	}
	next, ok := obj[nextKey]
	if !ok {
		return args, nil, nil
	}
	delete(obj, nextKey)
	rest, err := json.Marshal(obj)
	if err != nil {
		return nil, nil, err
	}

	next = bytes.TrimSpace(next)
	if len(next) > 0 && next[0] == '"' {
		var s string
		if err := json.Unmarshal(next, &s); err != nil {
			return nil, nil, err
		}
		next = json.RawMessage(bytes.TrimSpace([]byte(s)))
	}
	if bytes.Equal(next, []byte("null")) {
		return rest, nil, nil
	}
	if len(next) == 0 || next[0] != '{' || !json.Valid(next) {
		return nil, nil, errors.New("next must be a JSON object")
	}
	return rest, next, nil
}
