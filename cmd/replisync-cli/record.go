package main

import "fmt"

// Record is the toy document type the CLI replicates: a single string
// value keyed by id. Real callers bring their own schema-validated type;
// this exists only to exercise replisync end to end from a terminal.
type Record struct {
	ID    string `json:"id"`
	Value string `json:"value"`
}

// PrimaryKey satisfies replisync.Document.
func (r Record) PrimaryKey() string { return r.ID }

func (r Record) String() string {
	return fmt.Sprintf("%s=%s", r.ID, r.Value)
}
