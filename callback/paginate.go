package callback

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// MaxPageBytes bounds the serialized processed_data of one page, excluding
// the payload envelope.
const MaxPageBytes = 750_000

// paginate splits |processed| into per-page documents of at most
// MaxPageBytes each. Objects split along their list-valued fields: lists
// are cut into contiguous runs (largest list first, ties by name) while
// scalar fields repeat on every page, so concatenating a field's lists
// across pages restores the original. Splitting is deterministic: the same
// bytes always produce the same pages, which is what makes stored results
// resend identically.
func paginate(processed json.RawMessage) ([]json.RawMessage, error) {
	if len(processed) <= MaxPageBytes {
		return []json.RawMessage{processed}, nil
	}

	switch firstByte(processed) {
	case '{':
		return paginateObject(processed)
	case '[':
		var elems []json.RawMessage
		if err := json.Unmarshal(processed, &elems); err != nil {
			return nil, fmt.Errorf("decoding processed_data array: %w", err)
		}
		return packArrays(elems)
	default:
		return nil, fmt.Errorf("processed_data is %d bytes, over the %d byte page budget, and is not splittable",
			len(processed), MaxPageBytes)
	}
}

type listField struct {
	name  string
	elems []json.RawMessage
	size  int
}

func paginateObject(processed json.RawMessage) ([]json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(processed, &fields); err != nil {
		return nil, fmt.Errorf("decoding processed_data object: %w", err)
	}

	var scalars = make(map[string]json.RawMessage)
	var lists []listField
	for name, value := range fields {
		if firstByte(value) != '[' {
			scalars[name] = value
			continue
		}
		var elems []json.RawMessage
		if err := json.Unmarshal(value, &elems); err != nil {
			return nil, fmt.Errorf("decoding list field %q: %w", name, err)
		}
		if err := normalize(elems); err != nil {
			return nil, fmt.Errorf("normalizing list field %q: %w", name, err)
		}
		lists = append(lists, listField{name: name, elems: elems, size: len(value)})
	}
	if len(lists) == 0 {
		return nil, fmt.Errorf("processed_data is %d bytes over a %d byte page budget with no list fields to split",
			len(processed), MaxPageBytes)
	}

	// Largest lists first so the dominant dimension drives the split.
	sort.Slice(lists, func(i, j int) bool {
		if lists[i].size != lists[j].size {
			return lists[i].size > lists[j].size
		}
		return lists[i].name < lists[j].name
	})

	// Every page carries the scalars plus a (possibly empty) run of each
	// list. baseSize is the exact cost of such an empty page.
	var assemble = func(runs map[string][]json.RawMessage) (json.RawMessage, error) {
		var doc = make(map[string]interface{}, len(scalars)+len(lists))
		for name, v := range scalars {
			doc[name] = v
		}
		for _, list := range lists {
			var run = runs[list.name]
			if run == nil {
				run = []json.RawMessage{}
			}
			doc[list.name] = run
		}
		return json.Marshal(doc)
	}

	var empty, err = assemble(nil)
	if err != nil {
		return nil, fmt.Errorf("encoding page scaffold: %w", err)
	}
	var baseSize = len(empty)
	if baseSize > MaxPageBytes {
		return nil, fmt.Errorf("non-list fields alone are %d bytes, over the %d byte page budget",
			baseSize, MaxPageBytes)
	}

	var pages []json.RawMessage
	var current = make(map[string][]json.RawMessage)
	var currentSize = baseSize

	var flush = func() error {
		var page, err = assemble(current)
		if err != nil {
			return err
		}
		pages = append(pages, page)
		current = make(map[string][]json.RawMessage)
		currentSize = baseSize
		return nil
	}

	for _, list := range lists {
		for i, elem := range list.elems {
			// One separator byte joins consecutive elements of a run.
			var cost = len(elem)
			if len(current[list.name]) != 0 {
				cost++
			}

			if currentSize+cost > MaxPageBytes && currentSize != baseSize {
				if err := flush(); err != nil {
					return nil, err
				}
				cost = len(elem)
			}
			if currentSize+cost > MaxPageBytes {
				return nil, fmt.Errorf("element %d of list %q is %d bytes and cannot fit a page",
					i, list.name, len(elem))
			}
			current[list.name] = append(current[list.name], elem)
			currentSize += cost
		}
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return pages, nil
}

// packArrays pages a bare top-level array.
func packArrays(elems []json.RawMessage) ([]json.RawMessage, error) {
	if err := normalize(elems); err != nil {
		return nil, fmt.Errorf("normalizing processed_data array: %w", err)
	}

	var pages []json.RawMessage
	var current []json.RawMessage
	var currentSize = 2 // Brackets.

	var flush = func() error {
		if current == nil {
			current = []json.RawMessage{}
		}
		var page, err = json.Marshal(current)
		if err != nil {
			return err
		}
		pages = append(pages, page)
		current, currentSize = nil, 2
		return nil
	}

	for i, elem := range elems {
		var cost = len(elem)
		if len(current) != 0 {
			cost++
		}
		if currentSize+cost > MaxPageBytes && len(current) != 0 {
			if err := flush(); err != nil {
				return nil, err
			}
			cost = len(elem)
		}
		if currentSize+cost > MaxPageBytes {
			return nil, fmt.Errorf("element %d is %d bytes and cannot fit a page", i, len(elem))
		}
		current = append(current, elem)
		currentSize += cost
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return pages, nil
}

// normalize rewrites |elems| in place to their encoder output form:
// compact and HTML-escaped. Marshaling a RawMessage applies both, so
// normalizing first makes len(elem) the exact cost it adds to a page.
func normalize(elems []json.RawMessage) error {
	for i, elem := range elems {
		var enc, err = json.Marshal(elem)
		if err != nil {
			return err
		}
		elems[i] = enc
	}
	return nil
}

func firstByte(raw json.RawMessage) byte {
	var trimmed = bytes.TrimLeft(raw, " \t\r\n")
	if len(trimmed) == 0 {
		return 0
	}
	return trimmed[0]
}
