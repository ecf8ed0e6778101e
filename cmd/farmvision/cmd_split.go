package main

import (
	"fmt"
	"io"

	"farmvision-backend/internal/dataset"

	"github.com/spf13/cobra"
)

func newSplitCmd(stdout, stderr io.Writer) *cobra.Command {
	var opts dataset.SplitOptions

	cmd := &cobra.Command{
		Use:   "split <input-dir> <output-dir>",
		Short: "Split a class-per-folder image set into train and val",
		Long: `Split copies the images of every class folder in <input-dir> into
<output-dir>/train/<class> and <output-dir>/val/<class>. The output directory
is replaced. The same seed always yields the same split.

Examples:
  farmvision split data/raw data/stage1
  farmvision split data/breeds data/stage2 --classes Gir,Sahiwal,Tharparkar
  farmvision split data/raw data/stage1 --ratio 0.9 --seed 7`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.InputDir, opts.OutputDir = args[0], args[1]
			opts.Progress = progressWriter(cmd, stderr)
			return runSplit(cmd, stdout, opts)
		},
	}

	cmd.Flags().Float64Var(&opts.Ratio, "ratio", dataset.DefaultRatio, "Fraction of each class used for training")
	cmd.Flags().Int64Var(&opts.Seed, "seed", dataset.DefaultSeed, "Shuffle seed")
	cmd.Flags().StringSliceVar(&opts.Classes, "classes", nil, "Only split these class folders")

	return cmd
}

func runSplit(cmd *cobra.Command, stdout io.Writer, opts dataset.SplitOptions) error {
	report, err := dataset.Split(cmd.Context(), opts)
	if err != nil {
		return err
	}

	for _, class := range report.Classes {
		fmt.Fprintf(stdout, "%-24s train %5d  val %5d\n", class.Class, class.Train, class.Val)
	}
	fmt.Fprintf(stdout, "%-24s train %5d  val %5d\n", "total", report.Train, report.Val)
	return nil
}
