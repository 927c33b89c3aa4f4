package main

import (
	"fmt"
	"strings"

	"github.com/born-ml/linerec/internal/backend/cpu"
	"github.com/born-ml/linerec/internal/models"
	"github.com/born-ml/linerec/internal/tensor"
	"github.com/born-ml/linerec/internal/vgsl"
	"github.com/spf13/cobra"
)

// load opens a model in any supported format using the configured decoder,
// device and mode.
func (a *app) load(path string) (*models.SeqRecognizer, *vgsl.Model, error) {
	dec, err := a.cfg.Decoder.BuildDecoder()
	if err != nil {
		return nil, nil, err
	}
	device, _, err := tensor.ParseDevice(a.cfg.Device)
	if err != nil {
		return nil, nil, err
	}

	r, err := models.LoadAny(path,
		models.WithDecoder(dec),
		models.WithDevice(device),
		models.WithTrain(a.cfg.Train),
		models.WithLogger(a.logger))
	if err != nil {
		return nil, nil, err
	}

	m, ok := r.Network().(*vgsl.Model)
	if !ok {
		return nil, nil, fmt.Errorf("unexpected network type %T", r.Network())
	}
	return r, m, nil
}

func newShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show MODEL",
		Short: "Print a summary of a model",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, m, err := a.load(args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "kind:     %s\n", r.Kind())
			fmt.Fprintf(out, "spec:     %s\n", m.Spec())
			fmt.Fprintf(out, "classes:  %d\n", m.Classes())
			if m.ID() != "" {
				fmt.Fprintf(out, "id:       %s\n", m.ID())
			}
			fmt.Fprintf(out, "alphabet: %s\n", strings.Join(r.Codec().Alphabet(), " "))
			fmt.Fprintln(out, "layers:")
			for i, l := range m.Layers() {
				fmt.Fprintf(out, "  %2d  %s\n", i, l)
			}
			fmt.Fprintf(out, "device:   %s (%s)\n", r.Device(), cpu.New().Features())
			return nil
		},
	}
}

func newConvertCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "convert MODEL OUT",
		Short: "Convert a model in any supported format to .born",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, m, err := a.load(args[0])
			if err != nil {
				return err
			}
			out, err := models.NormalizePath(args[1])
			if err != nil {
				return err
			}
			if err := m.Save(out); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "converted %s model to %s\n", r.Kind(), out)
			return nil
		},
	}
}
