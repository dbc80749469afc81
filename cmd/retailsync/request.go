package main

import (
	"context"
	"encoding/json"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/LuminPulse-AI/retailsync"
	"github.com/spf13/cobra"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	reqCollection string
	reqHeaders    []string

	// writes
	writeData      string
	writeFields    []string
	writeFiles     []string
	writeSkipQueue bool
)

func init() {
	for _, c := range []*cobra.Command{getCmd, postCmd, putCmd, patchCmd, deleteCmd} {
		c.Flags().StringVar(&reqCollection, "collection", "", "Cache collection, overriding the routing table")
		c.Flags().StringArrayVarP(&reqHeaders, "header", "H", nil, "Extra request header (Name: value)")
		rootCmd.AddCommand(c)
	}
	for _, c := range []*cobra.Command{postCmd, putCmd, patchCmd} {
		c.Flags().StringVarP(&writeData, "data", "d", "", "JSON body, or @file to read it from a file")
		c.Flags().StringArrayVarP(&writeFields, "field", "F", nil, "Multipart form field (name=value)")
		c.Flags().StringArrayVar(&writeFiles, "file", nil, "Multipart form file (name=path)")
	}
	for _, c := range []*cobra.Command{postCmd, putCmd, patchCmd, deleteCmd} {
		c.Flags().BoolVar(&writeSkipQueue, "skip-queue", false, "Fail instead of queueing when offline")
	}
}

// ============================================================================
// get
// ============================================================================

var getCmd = &cobra.Command{
	Use:   "get <path>",
	Short: "Read a resource, falling back to the local cache",
	Example: "  retailsync get /products\n" +
		"  retailsync get /products/42 --offline",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		headers, err := parseHeaders(reqHeaders)
		if err != nil {
			return err
		}
		return withSession(func(ctx context.Context, s *session) error {
			data, err := s.api.Get(ctx, args[0], &retailsync.ReadOptions{
				Collection: reqCollection,
				Headers:    headers,
			})
			if err != nil {
				return describeError(err)
			}
			return printJSON(data)
		})
	},
}

// ============================================================================
// post / put / patch / delete
// ============================================================================

var postCmd = writeCommand("post", "Create a resource, queueing it when offline")
var putCmd = writeCommand("put", "Replace a resource, queueing it when offline")
var patchCmd = writeCommand("patch", "Update part of a resource, queueing it when offline")

var deleteCmd = &cobra.Command{
	Use:   "delete <path>",
	Short: "Delete a resource, queueing it when offline",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := writeOptions()
		if err != nil {
			return err
		}
		return withSession(func(ctx context.Context, s *session) error {
			data, err := s.api.Delete(ctx, args[0], opts)
			if err != nil {
				return describeError(err)
			}
			return printJSON(data)
		})
	},
}

func writeCommand(method, short string) *cobra.Command {
	return &cobra.Command{
		Use:   method + " <path>",
		Short: short,
		Example: fmt.Sprintf("  retailsync %s /products -d '{\"name\":\"Widget\",\"price\":9.99}'\n"+
			"  retailsync %s /products -F name=Widget --file image=widget.png", method, method),
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := writeOptions()
			if err != nil {
				return err
			}
			form, err := buildForm(writeFields, writeFiles)
			if err != nil {
				return err
			}
			var body json.RawMessage
			if form == nil {
				if body, err = readBody(writeData); err != nil {
					return err
				}
			}

			return withSession(func(ctx context.Context, s *session) error {
				var data json.RawMessage
				var err error
				switch {
				case form != nil && method == "post":
					data, err = s.api.PostForm(ctx, args[0], form, opts)
				case form != nil && method == "put":
					data, err = s.api.PutForm(ctx, args[0], form, opts)
				case form != nil:
					data, err = s.api.PatchForm(ctx, args[0], form, opts)
				case method == "post":
					data, err = s.api.Post(ctx, args[0], body, opts)
				case method == "put":
					data, err = s.api.Put(ctx, args[0], body, opts)
				default:
					data, err = s.api.Patch(ctx, args[0], body, opts)
				}
				if err != nil {
					return describeError(err)
				}
				return printJSON(data)
			})
		},
	}
}

// ============================================================================
// Helpers
// ============================================================================

// withSession runs fn with an open session and closes it afterwards.
func withSession(fn func(ctx context.Context, s *session) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(ctx, s)
}

func writeOptions() (*retailsync.WriteOptions, error) {
	headers, err := parseHeaders(reqHeaders)
	if err != nil {
		return nil, err
	}
	return &retailsync.WriteOptions{
		Collection: reqCollection,
		SkipQueue:  writeSkipQueue,
		Headers:    headers,
	}, nil
}

func parseHeaders(raw []string) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(raw))
	for _, h := range raw {
		name, value, ok := strings.Cut(h, ":")
		if !ok {
			return nil, fmt.Errorf("header %q must look like 'Name: value'", h)
		}
		out[strings.TrimSpace(name)] = strings.TrimSpace(value)
	}
	return out, nil
}

// readBody returns the JSON body given inline or as @file.
func readBody(data string) (json.RawMessage, error) {
	if data == "" {
		return nil, nil
	}
	raw := []byte(data)
	if strings.HasPrefix(data, "@") {
		b, err := os.ReadFile(data[1:])
		if err != nil {
			return nil, fmt.Errorf("cannot read body file: %w", err)
		}
		raw = b
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("body is not valid JSON")
	}
	return raw, nil
}

// buildForm assembles a multipart form, or returns nil when no form flags
// were given.
func buildForm(fields, files []string) (*retailsync.FormData, error) {
	if len(fields) == 0 && len(files) == 0 {
		return nil, nil
	}
	form := &retailsync.FormData{}
	for _, f := range fields {
		name, value, ok := strings.Cut(f, "=")
		if !ok {
			return nil, fmt.Errorf("field %q must look like name=value", f)
		}
		form.Add(name, value)
	}
	for _, f := range files {
		name, path, ok := strings.Cut(f, "=")
		if !ok {
			return nil, fmt.Errorf("file %q must look like name=path", f)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("cannot read %s: %w", path, err)
		}
		form.AddFile(name, filepath.Base(path), mime.TypeByExtension(filepath.Ext(path)), data)
	}
	return form, nil
}

// describeError turns SDK errors into CLI-friendly messages.
func describeError(err error) error {
	if se, ok := retailsync.IsServer(err); ok {
		return fmt.Errorf("API error %d: %s", se.Status, se.Message)
	}
	if retailsync.IsTransport(err) {
		return fmt.Errorf("API unreachable and nothing cached: %w", err)
	}
	return err
}
