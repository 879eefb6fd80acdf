package main

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lucasb-eyer/go-colorful"
	st "github.com/setanarut/styletransfer"
	"github.com/setanarut/styletransfer/features"
	"github.com/setanarut/styletransfer/utils"
	"github.com/spf13/cobra"
)

type runFlags struct {
	content, style, out string
	layerStyles         map[string]string
	width, height       int

	contentLayer string
	styleLayers  []string
	contentW     float64
	styleW       float64
	variationW   float64

	epochs     int
	method     string
	iterations int
	tolerance  float64
	lr         float64
	history    int
	init       string
	seed       int64
	mode       string
	timeout    time.Duration

	weights      string
	divisor      int
	netSeed      uint64
	paletteSize  int
	paletteKind  string
	preserve     bool
	saveEvery    int
	progressCSV  string
	dumpFinalDir string
}

func newRunCmd(g *globalFlags) *cobra.Command {
	def := st.DefaultOptions()
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Optimize an image to match content and style",
		RunE: func(cmd *cobra.Command, _ []string) error {
			log, err := g.logger()
			if err != nil {
				return err
			}
			return f.run(cmd.Context(), log)
		},
	}
	fl := cmd.Flags()
	fl.StringVarP(&f.content, "content", "c", "", "content image (required)")
	fl.StringVarP(&f.style, "style", "s", "", "style image used for every style layer")
	fl.StringToStringVar(&f.layerStyles, "layer-style", nil, "per-layer style image, e.g. block1_conv1=a.png")
	fl.StringVarP(&f.out, "out", "o", "stylized.png", "output image (.png or .jpg)")
	fl.IntVar(&f.width, "width", 0, "working width; 0 derives it from the content image")
	fl.IntVar(&f.height, "height", 0, "working height; 0 derives it from the content image")

	fl.StringVar(&f.contentLayer, "content-layer", string(def.ContentLayer), "layer compared against the content image")
	fl.StringSliceVar(&f.styleLayers, "style-layers", layerNames(def.StyleLayers), "layers whose gram matrices are matched")
	fl.Float64Var(&f.contentW, "content-weight", def.ContentWeight, "content loss weight")
	fl.Float64Var(&f.styleW, "style-weight", def.StyleWeight, "style loss weight")
	fl.Float64Var(&f.variationW, "tv-weight", def.VariationWeight, "total-variation weight, 0 disables it")

	fl.IntVar(&f.epochs, "epochs", def.Epochs, "optimizer invocations")
	fl.StringVar(&f.method, "method", string(def.Method), "optimizer: lbfgs, gd or adam")
	fl.IntVar(&f.iterations, "iterations", def.MaxIterations, "iteration cap per epoch")
	fl.Float64Var(&f.tolerance, "tol", def.Tolerance, "convergence tolerance per epoch")
	fl.Float64Var(&f.lr, "lr", def.LearningRate, "learning rate for gd and adam")
	fl.IntVar(&f.history, "history", def.HistorySize, "L-BFGS history size")
	fl.StringVar(&f.init, "init", string(def.Init), "candidate initialization: random, content or palette")
	fl.Int64Var(&f.seed, "seed", def.Seed, "seed for the candidate initialization")
	fl.StringVar(&f.mode, "mode", def.Mode.String(), "execution mode: serial or parallel")
	fl.DurationVar(&f.timeout, "timeout", 0, "abort between epochs after this long; 0 waits forever")

	fl.StringVar(&f.weights, "weights", "", "VGG weights in safetensors format; empty uses seeded random weights")
	fl.IntVar(&f.divisor, "width-divisor", 8, "channel divisor for random-weight networks")
	fl.Uint64Var(&f.netSeed, "net-seed", 1, "seed for random network weights")
	fl.IntVar(&f.paletteSize, "palette-size", 8, "colours extracted for palette initialization")
	fl.StringVar(&f.paletteKind, "palette-method", "dominant", "palette extraction: dominant or kmeans")
	fl.BoolVar(&f.preserve, "preserve-color", false, "keep the content image's colours, transfer luminance only")
	fl.IntVar(&f.saveEvery, "save-every", 0, "also write the candidate every k epochs")
	fl.StringVar(&f.progressCSV, "progress-csv", "", "write per-epoch losses to this CSV file")
	fl.StringVar(&f.dumpFinalDir, "dump-final", "", "write the first channel of the final feature map for content, style and result")
	_ = cmd.MarkFlagRequired("content")
	return cmd
}

func layerNames(ls []st.Layer) []string {
	out := make([]string, len(ls))
	for i, l := range ls {
		out[i] = string(l)
	}
	return out
}

func (f *runFlags) options(contentSize image.Point) (st.Options, error) {
	opts := st.DefaultOptions()
	if f.width <= 0 || f.height <= 0 {
		sized := st.OptionsFromSize(contentSize)
		opts.Width, opts.Height = sized.Width, sized.Height
	}
	if f.width > 0 {
		opts.Width = f.width
	}
	if f.height > 0 {
		opts.Height = f.height
	}
	opts.ContentLayer = st.Layer(f.contentLayer)
	opts.StyleLayers = opts.StyleLayers[:0]
	for _, l := range f.styleLayers {
		opts.StyleLayers = append(opts.StyleLayers, st.Layer(strings.TrimSpace(l)))
	}
	opts.ContentWeight = f.contentW
	opts.StyleWeight = f.styleW
	opts.VariationWeight = f.variationW
	opts.Epochs = f.epochs
	opts.MaxIterations = f.iterations
	opts.Tolerance = f.tolerance
	opts.LearningRate = f.lr
	opts.HistorySize = f.history
	opts.Seed = f.seed

	var errs []error
	var err error
	if opts.Method, err = st.ParseMethod(f.method); err != nil {
		errs = append(errs, err)
	}
	if opts.Init, err = st.ParseInitMethod(f.init); err != nil {
		errs = append(errs, err)
	}
	if opts.Mode, err = st.ParseExecutionMode(f.mode); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return opts, err
	}
	return opts, opts.Validate()
}

func (f *runFlags) network(opts st.Options) (*features.VGG, error) {
	if f.weights != "" {
		return features.Load(f.weights, features.VGG19Config(opts.Width, opts.Height))
	}
	cfg := features.Scaled(opts.Width, opts.Height, f.divisor)
	cfg.Seed = f.netSeed
	return features.New(cfg)
}

func (f *runFlags) run(ctx context.Context, log *slog.Logger) error {
	if f.style == "" && len(f.layerStyles) == 0 {
		return errors.New("either --style or --layer-style is required")
	}
	contentImg, err := utils.ReadImage(f.content)
	if err != nil {
		return err
	}
	opts, err := f.options(contentImg.Bounds().Size())
	if err != nil {
		return err
	}
	net, err := f.network(opts)
	if err != nil {
		return err
	}
	log.Info("network ready", "layers", len(net.Layers()), "width", opts.Width, "height", opts.Height, "weights", f.weights)

	content := utils.ImageToTensor(contentImg, opts.Width, opts.Height)
	styles, primary, err := f.styleImages(opts)
	if err != nil {
		return err
	}

	sessOpts := []st.SessionOption{st.WithLogger(log)}
	sinks := st.MultiSink{st.LogSink{Logger: log, Level: slog.LevelDebug}}
	if f.progressCSV != "" {
		fh, err := os.OpenFile(f.progressCSV, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			return err
		}
		defer fh.Close()
		csv := st.NewCSVSink(fh)
		log.Info("writing progress", "path", f.progressCSV, "run", csv.Run())
		sinks = append(sinks, csv)
		defer func() {
			if err := csv.Err(); err != nil {
				log.Warn("progress log incomplete", "err", err)
			}
		}()
	}
	sessOpts = append(sessOpts, st.WithProgress(sinks))

	if opts.Init == st.InitPalette {
		palette, err := f.palette(primary)
		if err != nil {
			return err
		}
		sessOpts = append(sessOpts, st.WithPalette(palette))
	}
	if f.saveEvery > 0 {
		sessOpts = append(sessOpts, st.WithEpochHook(func(epoch int, img *st.Tensor) {
			if (epoch+1)%f.saveEvery != 0 {
				return
			}
			path := snapshotPath(f.out, epoch+1)
			if err := utils.SaveTensor(img, path); err != nil {
				log.Warn("snapshot not saved", "path", path, "err", err)
			}
		}))
	}

	sess, err := st.NewSession(net, content, styles, opts, sessOpts...)
	if err != nil {
		return err
	}
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}
	runErr := sess.Run(ctx)
	if runErr != nil && len(sess.History()) == 0 {
		return runErr
	}

	result := sess.Result()
	if f.preserve {
		if result, err = utils.PreserveColor(result, content); err != nil {
			return err
		}
	}
	if err := utils.SaveTensor(result, f.out); err != nil {
		return err
	}
	log.Info("result written", "path", f.out, "state", sess.State().String())

	if f.dumpFinalDir != "" {
		dump := map[string]*st.Tensor{"content": content, "style": primary, "result": result}
		if err := dumpFinal(net, dump, opts.Mode, f.dumpFinalDir); err != nil {
			return err
		}
	}
	return runErr
}

// styleImages loads the shared style image and any per-layer overrides.
// primary is the image used for palette extraction and feature dumps.
func (f *runFlags) styleImages(opts st.Options) (map[st.Layer]*st.Tensor, *st.Tensor, error) {
	cache := map[string]*st.Tensor{}
	load := func(path string) (*st.Tensor, error) {
		if t, ok := cache[path]; ok {
			return t, nil
		}
		t, err := utils.LoadTensor(path, opts.Width, opts.Height)
		if err != nil {
			return nil, err
		}
		cache[path] = t
		return t, nil
	}

	styles := make(map[st.Layer]*st.Tensor, len(opts.StyleLayers))
	var primary *st.Tensor
	if f.style != "" {
		img, err := load(f.style)
		if err != nil {
			return nil, nil, err
		}
		primary = img
		styles = st.StyleImages(opts.StyleLayers, img)
	}
	for layer, path := range f.layerStyles {
		img, err := load(path)
		if err != nil {
			return nil, nil, err
		}
		if primary == nil {
			primary = img
		}
		styles[st.Layer(layer)] = img
	}
	return styles, primary, nil
}

func (f *runFlags) palette(style *st.Tensor) ([]colorful.Color, error) {
	kind, err := utils.ParsePaletteMethod(f.paletteKind)
	if err != nil {
		return nil, err
	}
	img, err := utils.TensorToImage(style)
	if err != nil {
		return nil, err
	}
	p, err := utils.Palette(img, f.paletteSize, kind)
	if err != nil {
		return nil, err
	}
	utils.SortByLuminance(p)
	return p, nil
}

func snapshotPath(out string, epoch int) string {
	ext := filepath.Ext(out)
	return fmt.Sprintf("%s_epoch%03d%s", strings.TrimSuffix(out, ext), epoch, ext)
}

func dumpFinal(net *features.VGG, images map[string]*st.Tensor, mode st.ExecutionMode, dir string) error {
	final := net.Final()
	for name, img := range images {
		acts, err := st.Extract(net, img, []st.Layer{final}, mode)
		if err != nil {
			return err
		}
		gray, err := utils.FeatureMapImage(acts[final], 0)
		if err != nil {
			return err
		}
		if err := utils.SaveImage(gray, filepath.Join(dir, fmt.Sprintf("%s_%s.png", name, final))); err != nil {
			return err
		}
	}
	return nil
}
