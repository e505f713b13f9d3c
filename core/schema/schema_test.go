package schema_test

import (
	"testing"
	"testing/fstest"

	"github.com/relabs-tech/certrotation/core/schema"
)

const (
	ref1 = `{ "type" : "string" ,
		      "$id" : "http://some_host.com/string.json"}`
	ref2 = `{ "$id" : "http://some_host.com/maxlength.json",
	 		  "maxLength" : 5 }`

	top_level1 = `
	{ "$id" : "http://some_host.com/top1.json",
	  "allOf" : [
		{ "$ref" : "http://some_host.com/string.json" },
		{ "$ref" : "http://some_host.com/maxlength.json" }
		]
	}`

	ackRequest = `{
		"$id": "https://example.com/ack.json",
		"type": "object",
		"required": ["cert_id"],
		"properties": {
			"cert_id": { "type": "string", "minLength": 1 }
		}
	}`
)

func TestValidateWithRefs(t *testing.T) {
	v, err := schema.NewValidator([]string{top_level1}, []string{ref1, ref2})
	if err != nil {
		t.Fatalf("No error expected when creating validator, got %v", err)
	}

	schemaID := "http://some_host.com/top1.json"
	if err := v.ValidateBytes([]byte(`"short"`), schemaID); err != nil {
		t.Fatalf("short string is expected to be valid, got %v", err)
	}
	if err := v.ValidateBytes([]byte(`"a very long string"`), schemaID); err == nil {
		t.Fatal("long string is expected to be invalid")
	}
}

func TestValidateBytes(t *testing.T) {
	v, err := schema.NewValidator([]string{ackRequest}, nil)
	if err != nil {
		t.Fatal(err)
	}
	schemaID := "https://example.com/ack.json"

	if err := v.ValidateBytes([]byte(`{"cert_id":"abc"}`), schemaID); err != nil {
		t.Fatalf("expected valid document, got %v", err)
	}
	if err := v.ValidateBytes([]byte(`{"cert_id":""}`), schemaID); err == nil {
		t.Fatal("empty cert_id is expected to be invalid")
	}
	if err := v.ValidateBytes([]byte(`{"csr":"x"}`), schemaID); err == nil {
		t.Fatal("missing cert_id is expected to be invalid")
	}
}

func TestNewValidatorFromFS(t *testing.T) {
	fsys := fstest.MapFS{
		"top1.json":        {Data: []byte(top_level1)},
		"refs/string.json": {Data: []byte(ref1)},
		"refs/max.json":    {Data: []byte(ref2)},
		"README.md":        {Data: []byte("ignored")},
	}
	v, err := schema.NewValidatorFromFS(fsys)
	if err != nil {
		t.Fatal(err)
	}
	if !v.HasSchema("http://some_host.com/top1.json") {
		t.Fatal("top1 schema is expected to be available")
	}
	if v.HasSchema("http://some_host.com/string.json") {
		t.Fatal("refs are not expected to be top level schemas")
	}

	// refs directory is optional
	v, err = schema.NewValidatorFromFS(fstest.MapFS{"ack.json": {Data: []byte(ackRequest)}})
	if err != nil {
		t.Fatal(err)
	}
	if !v.HasSchema("https://example.com/ack.json") {
		t.Fatal("ack schema is expected to be available")
	}
}
