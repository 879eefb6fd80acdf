package main

import (
	"fmt"

	st "github.com/setanarut/styletransfer"
	"github.com/setanarut/styletransfer/baseline"
	"github.com/setanarut/styletransfer/features"
	"github.com/setanarut/styletransfer/utils"
	"github.com/spf13/cobra"
)

func newAdaINCmd(g *globalFlags) *cobra.Command {
	var (
		content, style, out string
		size                int
		a                   = baseline.NewAdaIN()
	)
	cmd := &cobra.Command{
		Use:   "adain",
		Short: "Single-pass colour statistics transfer, no optimization",
		RunE: func(cmd *cobra.Command, _ []string) error {
			log, err := g.logger()
			if err != nil {
				return err
			}
			img, err := utils.ReadImage(content)
			if err != nil {
				return err
			}
			w, h := img.Bounds().Dx(), img.Bounds().Dy()
			if size > 0 && max(w, h) > size {
				w, h = max(1, w*size/max(w, h)), max(1, h*size/max(w, h))
			}
			c := utils.ImageToTensor(img, w, h)
			s, err := utils.LoadTensor(style, w, h)
			if err != nil {
				return err
			}
			var stylizer baseline.Stylizer = a
			res, err := stylizer.Stylize(c, s)
			if err != nil {
				return err
			}
			if err := utils.SaveTensor(res, out); err != nil {
				return err
			}
			log.Info("result written", "path", out, "alpha", a.Alpha, "lab", a.Lab)
			return nil
		},
	}
	fl := cmd.Flags()
	fl.StringVarP(&content, "content", "c", "", "content image (required)")
	fl.StringVarP(&style, "style", "s", "", "style image (required)")
	fl.StringVarP(&out, "out", "o", "adain.png", "output image")
	fl.IntVar(&size, "size", 0, "bound the long side; 0 keeps the content resolution")
	fl.Float64Var(&a.Alpha, "alpha", a.Alpha, "blend with the content image, 0..1")
	fl.BoolVar(&a.Lab, "lab", false, "match statistics in CIE-Lab instead of RGB")
	_ = cmd.MarkFlagRequired("content")
	_ = cmd.MarkFlagRequired("style")
	return cmd
}

func newInitWeightsCmd(g *globalFlags) *cobra.Command {
	var (
		out     string
		divisor int
		seed    uint64
	)
	cmd := &cobra.Command{
		Use:   "init-weights",
		Short: "Write seeded random VGG weights to a safetensors file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			log, err := g.logger()
			if err != nil {
				return err
			}
			cfg := features.Scaled(32, 32, divisor)
			cfg.Seed = seed
			net, err := features.New(cfg)
			if err != nil {
				return err
			}
			if err := features.SaveWeights(out, net.Weights()); err != nil {
				return err
			}
			log.Info("weights written", "path", out, "widths", fmt.Sprint(net.Config().Widths))
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "vgg.safetensors", "output file")
	cmd.Flags().IntVar(&divisor, "width-divisor", 1, "channel divisor relative to VGG19")
	cmd.Flags().Uint64Var(&seed, "seed", 1, "initialization seed")
	return cmd
}

func newLayersCmd(_ *globalFlags) *cobra.Command {
	var weights string
	cmd := &cobra.Command{
		Use:   "layers",
		Short: "List the layers and activation shapes of the extractor",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var (
				net *features.VGG
				err error
			)
			if weights != "" {
				net, err = features.Load(weights, features.VGG19Config(224, 224))
			} else {
				net, err = features.New(features.Scaled(224, 224, 8))
			}
			if err != nil {
				return err
			}
			acts, err := st.Extract(net, st.NewTensor(net.InputShape()), net.Layers(), st.ExecSerial)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for _, l := range net.Layers() {
				fmt.Fprintf(w, "%-14s %v\n", l, acts[l].Shape)
			}
			fmt.Fprintf(w, "final: %s\n", net.Final())
			return nil
		},
	}
	cmd.Flags().StringVar(&weights, "weights", "", "safetensors weights; empty lists a random-weight network")
	return cmd
}
