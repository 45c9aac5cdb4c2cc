package models

import (
	"encoding/json"

	"golang.org/x/exp/maps"
)

// Data is the input or output of a job, condition or recipe: JSON values and file references keyed by name.
type Data struct {
	Values map[string]interface{} `json:"values,omitempty"`
	Files  map[string][]string    `json:"files,omitempty"`
}

func NewData() *Data {
	return &Data{Values: map[string]interface{}{}, Files: map[string][]string{}}
}

// Has reports whether a value or file list with the given name is present.
func (d *Data) Has(name string) bool {
	if d == nil {
		return false
	}
	if _, ok := d.Values[name]; ok {
		return true
	}
	_, ok := d.Files[name]
	return ok
}

// Copy copies the entry named from in src into d under the name to. Returns false if src has no such entry.
func (d *Data) Copy(src *Data, from, to string) bool {
	if src == nil {
		return false
	}
	if v, ok := src.Values[from]; ok {
		if d.Values == nil {
			d.Values = map[string]interface{}{}
		}
		d.Values[to] = v
		return true
	}
	if f, ok := src.Files[from]; ok {
		if d.Files == nil {
			d.Files = map[string][]string{}
		}
		d.Files[to] = append([]string(nil), f...)
		return true
	}
	return false
}

// Merge adds every entry of other to d, overwriting entries with the same name.
func (d *Data) Merge(other *Data) {
	if other == nil {
		return
	}
	for k := range other.Values {
		d.Copy(other, k, k)
	}
	for k := range other.Files {
		d.Copy(other, k, k)
	}
}

// FileIDs returns every file reference in d.
func (d *Data) FileIDs() []string {
	if d == nil {
		return nil
	}
	var ids []string
	for _, files := range d.Files {
		ids = append(ids, files...)
	}
	return ids
}

func (d *Data) DeepCopy() *Data {
	if d == nil {
		return nil
	}
	c := &Data{Values: maps.Clone(d.Values), Files: make(map[string][]string, len(d.Files))}
	for k, v := range d.Files {
		c.Files[k] = append([]string(nil), v...)
	}
	return c
}

// ParseData decodes a JSON document into Data. Documents in the old flat format, a list of
// {"name": ..., "value": ...} or {"name": ..., "file_ids": [...]} entries, are converted on the way in.
func ParseData(raw []byte) (*Data, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return NewData(), nil
	}
	var probe struct {
		Version    string            `json:"version"`
		InputData  []legacyDataEntry `json:"input_data"`
		OutputData []legacyDataEntry `json:"output_data"`
	}
	if err := json.Unmarshal(raw, &probe); err == nil && probe.Version == "1.0" {
		d := NewData()
		for _, entry := range append(probe.InputData, probe.OutputData...) {
			entry.apply(d)
		}
		return d, nil
	}
	d := NewData()
	if err := json.Unmarshal(raw, d); err != nil {
		return nil, err
	}
	if d.Values == nil {
		d.Values = map[string]interface{}{}
	}
	if d.Files == nil {
		d.Files = map[string][]string{}
	}
	return d, nil
}

type legacyDataEntry struct {
	Name    string        `json:"name"`
	Value   interface{}   `json:"value"`
	FileID  json.Number   `json:"file_id"`
	FileIDs []json.Number `json:"file_ids"`
}

func (e legacyDataEntry) apply(d *Data) {
	switch {
	case e.FileID != "":
		d.Files[e.Name] = []string{e.FileID.String()}
	case len(e.FileIDs) > 0:
		ids := make([]string, len(e.FileIDs))
		for i, id := range e.FileIDs {
			ids[i] = id.String()
		}
		d.Files[e.Name] = ids
	default:
		d.Values[e.Name] = e.Value
	}
}
