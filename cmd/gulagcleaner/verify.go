package main

import (
	"bytes"
	"context"
	"fmt"
	"os"

	"github.com/pdfcpu/pdfcpu/pkg/api"

	"github.com/wudi/gulagcleaner/document"
	"github.com/wudi/gulagcleaner/parser"
)

func init() { api.DisableConfigDir() }

// verify checks that an independent reader agrees with ours on the page
// count of a cleaned file.
func verify(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	doc, err := document.Load(context.Background(), data, parser.Config{})
	if err != nil {
		return fmt.Errorf("reload: %w", err)
	}
	n, err := api.PageCount(bytes.NewReader(data), nil)
	if err != nil {
		return fmt.Errorf("pdfcpu: %w", err)
	}
	if n != doc.PageCount() {
		return fmt.Errorf("pdfcpu counts %d pages, expected %d", n, doc.PageCount())
	}
	return nil
}
