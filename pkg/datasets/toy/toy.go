// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package toy provides small synthetic datasets to train and test diffusion models: 2D point clouds
// (moons, swiss roll, rings, gaussians) and tiny images of squares.
//
// Examples are generated on the fly with the GoMLX random number generator, so the datasets are infinite.
// Every example comes with an int32 class label, usable to train conditional models.
package toy

import (
	"math"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Kind of toy dataset.
type Kind int

const (
	// KindMoons are two interleaving half circles, one class per moon.
	KindMoons Kind = iota

	// KindSwissRoll is a 2D spiral, the class is the inner or outer half.
	KindSwissRoll

	// KindRings are 3 concentric circles, one class per ring.
	KindRings

	// KindGaussians are 8 small Gaussian blobs around a circle, one class per blob.
	KindGaussians

	// KindSquares are images of one white square over a black background, the class is the size of the square.
	KindSquares
)

//go:generate go tool enumer -type=Kind -trimprefix=Kind -transform=snake -values -text -output=gen_kind_enumer.go toy.go

// DefaultImageSize of KindSquares images.
const DefaultImageSize = 16

// Number of classes of each kind.
const (
	numRings     = 3
	numGaussians = 8
	numSquares   = 3
)

// NumClasses returns the number of classes of the labels of the kind of dataset.
func NumClasses(kind Kind) int {
	switch kind {
	case KindMoons, KindSwissRoll:
		return 2
	case KindRings:
		return numRings
	case KindGaussians:
		return numGaussians
	case KindSquares:
		return numSquares
	default:
		exceptions.Panicf("unknown toy dataset kind %s", kind)
	}
	return 0
}

// ExampleShape returns the dimensions of one example: [2] for points, [imageSize, imageSize, 1] for images.
func ExampleShape(kind Kind, imageSize int) []int {
	if kind == KindSquares {
		return []int{imageSize, imageSize, 1}
	}
	return []int{2}
}

// Generate builds the graph that samples n examples of the kind of dataset, using the context random
// number generator. It returns the examples and their int32 labels shaped [n].
//
// Points are roughly centered at the origin, within [-2, 2]. Images have values -1 (background) or 1 (square).
func Generate(ctx *context.Context, g *Graph, kind Kind, dtype dtypes.DType, n, imageSize int) (examples, labels *Node) {
	switch kind {
	case KindMoons:
		return moons(ctx, g, dtype, n)
	case KindSwissRoll:
		return swissRoll(ctx, g, dtype, n)
	case KindRings:
		return rings(ctx, g, dtype, n)
	case KindGaussians:
		return gaussians(ctx, g, dtype, n)
	case KindSquares:
		return squares(ctx, g, dtype, n, imageSize)
	default:
		exceptions.Panicf("unknown toy dataset kind %s", kind)
	}
	return
}

// addNoise adds Gaussian noise with the given standard deviation.
func addNoise(ctx *context.Context, x *Node, stddev float64) *Node {
	return Add(x, MulScalar(ctx.RandomNormal(x.Graph(), x.Shape()), stddev))
}

func moons(ctx *context.Context, g *Graph, dtype dtypes.DType, n int) (examples, labels *Node) {
	angles := MulScalar(ctx.RandomUniform(g, shapes.Make(dtype, n)), math.Pi)
	outerMoonX := Cos(angles)
	outerMoonY := Sin(angles)
	innerMoonX := OneMinus(outerMoonX)
	innerMoonY := AddScalar(OneMinus(outerMoonY), -0.5)

	coinFlip := GreaterThan(ctx.RandomUniform(g, shapes.Make(dtype, n)), Scalar(g, dtype, 0.5))
	xs := Where(coinFlip, innerMoonX, outerMoonX)
	ys := Where(coinFlip, innerMoonY, outerMoonY)
	examples = Stack([]*Node{AddScalar(xs, -0.5), AddScalar(ys, -0.25)}, -1)
	examples = addNoise(ctx, examples, 0.05)
	labels = ConvertDType(coinFlip, dtypes.Int32)
	return
}

func swissRoll(ctx *context.Context, g *Graph, dtype dtypes.DType, n int) (examples, labels *Node) {
	u := ctx.RandomUniform(g, shapes.Make(dtype, n))
	t := MulScalar(AddScalar(MulScalar(u, 2), 1), 1.5*math.Pi)
	examples = Stack([]*Node{Mul(t, Cos(t)), Mul(t, Sin(t))}, -1)
	examples = addNoise(ctx, DivScalar(examples, 7), 0.03)
	labels = ConvertDType(GreaterThan(u, Scalar(g, dtype, 0.5)), dtypes.Int32)
	return
}

func rings(ctx *context.Context, g *Graph, dtype dtypes.DType, n int) (examples, labels *Node) {
	labels = ctx.RandomIntN(g, int32(numRings), shapes.Make(dtypes.Int32, n))
	radius := MulScalar(AddScalar(ConvertDType(labels, dtype), 1), 1.5/numRings)
	angles := MulScalar(ctx.RandomUniform(g, shapes.Make(dtype, n)), 2*math.Pi)
	examples = Stack([]*Node{Mul(radius, Cos(angles)), Mul(radius, Sin(angles))}, -1)
	examples = addNoise(ctx, examples, 0.03)
	return
}

func gaussians(ctx *context.Context, g *Graph, dtype dtypes.DType, n int) (examples, labels *Node) {
	labels = ctx.RandomIntN(g, int32(numGaussians), shapes.Make(dtypes.Int32, n))
	angles := MulScalar(ConvertDType(labels, dtype), 2*math.Pi/numGaussians)
	examples = MulScalar(Stack([]*Node{Cos(angles), Sin(angles)}, -1), 1.5)
	examples = addNoise(ctx, examples, 0.1)
	return
}

// squares draws one square per image, with side (label+1)·imageSize/4 at a uniformly random position.
func squares(ctx *context.Context, g *Graph, dtype dtypes.DType, n, imageSize int) (examples, labels *Node) {
	if imageSize < 4 {
		exceptions.Panicf("toy squares require image size >= 4, got %d", imageSize)
	}
	labels = ctx.RandomIntN(g, int32(numSquares), shapes.Make(dtypes.Int32, n))
	side := Floor(MulScalar(AddScalar(ConvertDType(labels, dtype), 1), float64(imageSize)/4))
	freeSpace := AddScalar(Neg(side), float64(imageSize)+1) // Number of valid positions.
	top := Floor(Mul(ctx.RandomUniform(g, shapes.Make(dtype, n)), freeSpace))
	left := Floor(Mul(ctx.RandomUniform(g, shapes.Make(dtype, n)), freeSpace))

	perImage := func(x *Node) *Node { return Reshape(x, n, 1, 1, 1) }
	side, top, left = perImage(side), perImage(top), perImage(left)
	imageShape := shapes.Make(dtype, n, imageSize, imageSize, 1)
	ys := Iota(g, imageShape, 1)
	xs := Iota(g, imageShape, 2)
	inside := And(
		And(GreaterOrEqual(ys, top), LessThan(ys, Add(top, side))),
		And(GreaterOrEqual(xs, left), LessThan(xs, Add(left, side))))
	examples = Where(inside, OnesLike(ys), Neg(OnesLike(ys)))
	return
}

// Dataset is an infinite train.Dataset of toy examples. Each Yield returns inputs = [examples, labels],
// and no labels for the loss, which is what diffusion.Session.Train expects.
type Dataset struct {
	backend   backends.Backend
	kind      Kind
	batchSize int
	imageSize int
	dtype     dtypes.DType
	seed      int64

	mu   sync.Mutex
	ctx  *context.Context
	exec *context.Exec
}

var _ train.Dataset = (*Dataset)(nil)

// New creates a toy dataset of the given kind. Batches are reproducible for the same seed.
// Use the methods ImageSize and DType to further configure it, before the first call to Yield.
func New(backend backends.Backend, kind Kind, batchSize int, seed int64) (*Dataset, error) {
	if !kind.IsAKind() {
		return nil, errors.Errorf("unknown toy dataset kind %d", kind)
	}
	if batchSize <= 0 {
		return nil, errors.Errorf("toy dataset batch size must be > 0, got %d", batchSize)
	}
	ds := &Dataset{
		backend:   backend,
		kind:      kind,
		batchSize: batchSize,
		imageSize: DefaultImageSize,
		dtype:     dtypes.Float32,
		seed:      seed,
	}
	ds.Reset()
	return ds, nil
}

// ImageSize sets the size of KindSquares images. Default is DefaultImageSize.
func (ds *Dataset) ImageSize(size int) *Dataset {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.imageSize = size
	ds.exec = nil
	return ds
}

// DType sets the dtype of the examples. Default is Float32.
func (ds *Dataset) DType(dtype dtypes.DType) *Dataset {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.dtype = dtype
	ds.exec = nil
	return ds
}

// Kind of the dataset.
func (ds *Dataset) Kind() Kind { return ds.kind }

// NumClasses of the labels yielded.
func (ds *Dataset) NumClasses() int { return NumClasses(ds.kind) }

// ExampleShape returns the dimensions of one example.
func (ds *Dataset) ExampleShape() []int { return ExampleShape(ds.kind, ds.imageSize) }

// Name implements train.Dataset.
func (ds *Dataset) Name() string { return "toy_" + ds.kind.String() }

// Reset implements train.Dataset: it restarts the random number generator from the seed.
func (ds *Dataset) Reset() {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.ctx = context.New()
	ds.ctx.SetRNGStateFromSeed(ds.seed)
	ds.exec = nil
}

// Batch returns the next batch of examples and their labels.
func (ds *Dataset) Batch() (examples, labels *tensors.Tensor, err error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	err = exceptions.TryCatch[error](func() {
		if ds.exec == nil {
			kind, dtype, batchSize, imageSize := ds.kind, ds.dtype, ds.batchSize, ds.imageSize
			ds.exec = context.MustNewExec(ds.backend, ds.ctx, func(ctx *context.Context, g *Graph) (*Node, *Node) {
				return Generate(ctx, g, kind, dtype, batchSize, imageSize)
			})
		}
		examples, labels = ds.exec.MustExec2()
	})
	if err != nil {
		err = errors.WithMessagef(err, "failed to generate %s batch", ds.Name())
	}
	return
}

// Yield implements train.Dataset.
func (ds *Dataset) Yield() (spec any, inputs []*tensors.Tensor, labels []*tensors.Tensor, err error) {
	examples, exampleLabels, err := ds.Batch()
	if err != nil {
		return nil, nil, nil, err
	}
	inputs = []*tensors.Tensor{examples, exampleLabels}
	return
}
