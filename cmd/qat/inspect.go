package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/qat/internal/safetensors"
)

type tensorSummary struct {
	Name  string `json:"name"`
	DType string `json:"dtype"`
	Shape []int  `json:"shape"`
	Bytes int64  `json:"bytes"`
}

func inspectCmd() *cli.Command {
	var asJSON bool

	return &cli.Command{
		Name:      "inspect",
		Usage:     "List the tensors and metadata of a safetensors checkpoint",
		ArgsUsage: "<model.safetensors>",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:        "json",
				Usage:       "print JSON instead of a table",
				Destination: &asJSON,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			path := cmd.Args().First()
			if path == "" {
				return fmt.Errorf("inspect: missing checkpoint path")
			}
			f, err := safetensors.Open(path)
			if err != nil {
				return err
			}
			defer func() { _ = f.Close() }()

			tensors := summarize(f)
			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(map[string]any{
					"metadata": f.Metadata,
					"tensors":  tensors,
				})
			}

			keys := make([]string, 0, len(f.Metadata))
			for k := range f.Metadata {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Printf("%-10s %s\n", k+":", f.Metadata[k])
			}
			fmt.Println()

			data := make([][]string, 0, len(tensors))
			var total int64
			for _, t := range tensors {
				data = append(data, []string{t.Name, t.DType, formatShape(t.Shape), strconv.FormatInt(t.Bytes, 10)})
				total += t.Bytes
			}
			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"NAME", "DTYPE", "SHAPE", "BYTES"})
			table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
			table.SetAlignment(tablewriter.ALIGN_LEFT)
			table.SetHeaderLine(false)
			table.SetBorder(false)
			table.SetNoWhiteSpace(true)
			table.SetTablePadding("    ")
			table.AppendBulk(data)
			table.Render()
			fmt.Printf("%d tensors, %d bytes\n", len(tensors), total)
			return nil
		},
	}
}

func summarize(f *safetensors.File) []tensorSummary {
	names := f.Names()
	out := make([]tensorSummary, 0, len(names))
	for _, name := range names {
		t, _ := f.Tensor(name)
		out = append(out, tensorSummary{Name: name, DType: t.DType, Shape: t.Shape, Bytes: t.End - t.Start})
	}
	return out
}

func formatShape(shape []int) string {
	parts := make([]string, len(shape))
	for i, d := range shape {
		parts[i] = fmt.Sprint(d)
	}
	return "[" + strings.Join(parts, ",") + "]"
}
