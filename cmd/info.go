package cmd

import (
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/ollama/pagedattention/envconfig"
	"github.com/ollama/pagedattention/format"
	"github.com/ollama/pagedattention/kvcache"
	"github.com/ollama/pagedattention/ml"
)

func newTable(out io.Writer) *tablewriter.Table {
	table := tablewriter.NewWriter(out)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.SetAutoWrapText(false)
	return table
}

func dtypeFlag(cmd *cobra.Command) (ml.DType, error) {
	s, err := cmd.Flags().GetString("dtype")
	if err != nil {
		return ml.DTypeOther, err
	}

	return ml.ParseDType(s)
}

func shapeHandler(cmd *cobra.Command, args []string) error {
	dtype, err := dtypeFlag(cmd)
	if err != nil {
		return err
	}

	var dims [5]int
	for i, name := range []string{"blocks", "block-size", "kv-heads", "head-size", "layers"} {
		if dims[i], err = cmd.Flags().GetInt(name); err != nil {
			return err
		}

		if dims[i] <= 0 {
			return fmt.Errorf("--%s must be positive", name)
		}
	}

	numBlocks, blockSize, numKVHeads, headSize, layers := dims[0], dims[1], dims[2], dims[3], dims[4]
	shape := kvcache.Shape(numBlocks, blockSize, numKVHeads, headSize)

	var elems int64 = 1
	for _, d := range shape {
		elems *= int64(d)
	}

	// key and value
	layerBytes := 2 * elems * int64(dtype.Size())

	table := newTable(cmd.OutOrStdout())
	table.AppendBulk([][]string{
		{"Shape:", fmt.Sprint(shape)},
		{"Type:", dtype.String()},
		{"Tokens:", fmt.Sprint(numBlocks * blockSize)},
		{"Layer:", format.HumanBytes(layerBytes)},
		{"Total:", format.HumanBytes(layerBytes * int64(layers))},
	})
	table.Render()

	return nil
}

func envHandler(cmd *cobra.Command, args []string) error {
	vars := envconfig.AsMap()
	names := make([]string, 0, len(vars))
	for name := range vars {
		names = append(names, name)
	}
	slices.Sort(names)

	var data [][]string
	for _, name := range names {
		v := vars[name]
		data = append(data, []string{v.Name, strings.TrimSpace(fmt.Sprint(v.Value)), v.Description})
	}

	table := newTable(cmd.OutOrStdout())
	table.SetHeader([]string{"NAME", "VALUE", "DESCRIPTION"})
	table.AppendBulk(data)
	table.Render()

	return nil
}
