package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/llmbench/llmbench/internal/dataset"
)

var (
	datasetArticle string
	datasetLengths []int
	datasetOut     string
)

var datasetCmd = &cobra.Command{
	Use:   "dataset",
	Short: "Build prompt input files",
}

var datasetGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Cut an article into prompts of fixed word counts",
	Long: `Generate writes <out>/<len>.txt for every requested length. Each file
holds the summarization instruction followed by enough of the article, repeated
if needed, to make len words. Run reads the prompt length back from the name.`,
	Example: `  llmbench dataset generate --article poem.txt --len 2500 --len 5500 --len 11000`,
	RunE:    runDatasetGenerate,
}

func init() {
	rootCmd.AddCommand(datasetCmd)
	datasetCmd.AddCommand(datasetGenerateCmd)

	f := datasetGenerateCmd.Flags()
	f.StringVar(&datasetArticle, "article", "", "Source article")
	f.IntSliceVar(&datasetLengths, "len", []int{2500, 5500, 11000}, "Prompt lengths in words")
	f.StringVar(&datasetOut, "out", "Datasets", "Output directory")
	_ = datasetGenerateCmd.MarkFlagRequired("article")
}

func runDatasetGenerate(cmd *cobra.Command, args []string) error {
	written, err := dataset.Write(datasetArticle, datasetOut, datasetLengths...)
	for _, p := range written {
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", p)
	}
	return err
}
