package main

import (
	"fmt"

	"github.com/born-ml/linerec/internal/features"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newOCRCmd(a *app) *cobra.Command {
	var (
		model    string
		labels   bool
		segments bool
	)

	cmd := &cobra.Command{
		Use:   "ocr LINE...",
		Short: "Recognise text lines",
		Long: `Recognises each line and prints one result per line.

By default the recognised text is printed. --segments prints one
"text start end confidence" row per segment and --labels prints the raw
"class start end confidence" decoder output.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if labels && segments {
				return fmt.Errorf("--labels and --segments are mutually exclusive")
			}
			if model == "" {
				model = a.cfg.Model
			}
			if model == "" {
				return fmt.Errorf("no model given (use --model or set model in the config)")
			}

			r, m, err := a.load(model)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, path := range args {
				line, err := features.Load(path, m.Input().Height)
				if err != nil {
					return err
				}
				a.logger.Debug("recognising line", zap.String("path", path), zap.Any("shape", line.Shape()))

				switch {
				case labels:
					ls, err := r.PredictLabels(line)
					if err != nil {
						return fmt.Errorf("%s: %w", path, err)
					}
					fmt.Fprintf(out, "%s\n", path)
					for _, l := range ls {
						fmt.Fprintf(out, "%d\t%d\t%d\t%.4f\n", l.Class, l.Start, l.End, l.Confidence)
					}
				case segments:
					ss, err := r.Predict(line)
					if err != nil {
						return fmt.Errorf("%s: %w", path, err)
					}
					fmt.Fprintf(out, "%s\n", path)
					for _, s := range ss {
						fmt.Fprintf(out, "%q\t%d\t%d\t%.4f\n", s.Text, s.Start, s.End, s.Confidence)
					}
				default:
					text, err := r.PredictString(line)
					if err != nil {
						return fmt.Errorf("%s: %w", path, err)
					}
					fmt.Fprintln(out, text)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&model, "model", "m", "", "model file (default from config)")
	cmd.Flags().BoolVar(&labels, "labels", false, "print raw decoder labels")
	cmd.Flags().BoolVar(&segments, "segments", false, "print segments with positions and confidences")
	return cmd
}

func newFeaturesCmd(a *app) *cobra.Command {
	var height int

	cmd := &cobra.Command{
		Use:   "features IMAGE OUT",
		Short: "Convert a line image to a SafeTensors line tensor",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			line, err := features.Load(args[0], height)
			if err != nil {
				return err
			}
			if err := features.Save(args[1], line, map[string]string{"source": args[0]}); err != nil {
				return err
			}
			a.logger.Info("wrote line", zap.String("path", args[1]), zap.Any("shape", line.Shape()))
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %v\n", args[1], line.Shape())
			return nil
		},
	}
	cmd.Flags().IntVar(&height, "height", 0, "scale the image to this height (0 keeps it)")
	return cmd
}
