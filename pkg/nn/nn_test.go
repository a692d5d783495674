package nn

import (
	"errors"
	"math"
	"math/rand"
	"testing"
)

func randomSlice(rng *rand.Rand, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = rng.Float32()*2 - 1
	}
	return out
}

func randomTensor(rng *rand.Rand, c, d, h, w int) *Tensor {
	t, _ := FromData(c, d, h, w, randomSlice(rng, c*d*h*w))
	return t
}

func closeEnough(a, b float32, tol float64) bool {
	return math.Abs(float64(a)-float64(b)) <= tol
}

// naiveConv3D is a direct-loop reference for Conv3D.Forward
func naiveConv3D(c *Conv3D, x *Tensor) *Tensor {
	od, oh, ow := c.OutputSize(x.D), c.OutputSize(x.H), c.OutputSize(x.W)
	out := NewTensor(c.OutChannels, od, oh, ow)
	k := c.Kernel
	for co := 0; co < c.OutChannels; co++ {
		for z := 0; z < od; z++ {
			for y := 0; y < oh; y++ {
				for xo := 0; xo < ow; xo++ {
					sum := float64(c.Bias[co])
					for ci := 0; ci < c.InChannels; ci++ {
						for kd := 0; kd < k; kd++ {
							for kh := 0; kh < k; kh++ {
								for kw := 0; kw < k; kw++ {
									id := z*c.Stride - c.Padding + kd
									ih := y*c.Stride - c.Padding + kh
									iw := xo*c.Stride - c.Padding + kw
									if id < 0 || ih < 0 || iw < 0 || id >= x.D || ih >= x.H || iw >= x.W {
										continue
									}
									wi := (((co*c.InChannels+ci)*k+kd)*k+kh)*k + kw
									sum += float64(c.Weight[wi]) * float64(x.At(ci, id, ih, iw))
								}
							}
						}
					}
					out.Set(co, z, y, xo, float32(sum))
				}
			}
		}
	}
	return out
}

func TestConv3DMatchesReference(t *testing.T) {
	tests := []struct {
		name                         string
		in, out, kernel, stride, pad int
		d, h, w                      int
	}{
		{"3x3x3 same padding", 2, 3, 3, 1, 1, 6, 5, 4},
		{"3x3x3 strided", 3, 4, 3, 2, 1, 8, 8, 8},
		{"1x1x1 projection", 4, 2, 1, 1, 0, 4, 4, 4},
		{"1x1x1 strided projection", 4, 2, 1, 2, 0, 4, 6, 4},
	}

	rng := rand.New(rand.NewSource(7))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k3 := tt.kernel * tt.kernel * tt.kernel
			conv, err := NewConv3D(tt.in, tt.out, tt.kernel, tt.stride, tt.pad,
				randomSlice(rng, tt.out*tt.in*k3), randomSlice(rng, tt.out))
			if err != nil {
				t.Fatalf("NewConv3D failed: %v", err)
			}
			x := randomTensor(rng, tt.in, tt.d, tt.h, tt.w)

			got, err := conv.Forward(x)
			if err != nil {
				t.Fatalf("Forward failed: %v", err)
			}
			want := naiveConv3D(conv, x)

			if got.Shape() != want.Shape() {
				t.Fatalf("Expected shape %v, got %v", want.Shape(), got.Shape())
			}
			for i := range want.Data {
				if !closeEnough(got.Data[i], want.Data[i], 1e-4) {
					t.Fatalf("Value %d: expected %f, got %f", i, want.Data[i], got.Data[i])
				}
			}
		})
	}
}

// TestConv3DWorkersDeterministic verifies results do not depend on scheduling
func TestConv3DWorkersDeterministic(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	conv, err := NewConv3D(3, 5, 3, 1, 1, randomSlice(rng, 5*3*27), randomSlice(rng, 5))
	if err != nil {
		t.Fatalf("NewConv3D failed: %v", err)
	}
	x := randomTensor(rng, 3, 9, 7, 6)

	serial, err := conv.Forward(x)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}

	conv.Workers = 4
	concurrent, err := conv.Forward(x)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}

	for i := range serial.Data {
		if serial.Data[i] != concurrent.Data[i] {
			t.Fatalf("Value %d differs: serial %v, concurrent %v", i, serial.Data[i], concurrent.Data[i])
		}
	}
}

func TestConv3DRejectsWrongChannels(t *testing.T) {
	conv, err := NewConv3D(2, 1, 1, 1, 0, make([]float32, 2), make([]float32, 1))
	if err != nil {
		t.Fatalf("NewConv3D failed: %v", err)
	}
	if _, err := conv.Forward(NewTensor(3, 2, 2, 2)); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("Expected ErrShapeMismatch, got %v", err)
	}
	if _, err := NewConv3D(2, 1, 3, 1, 1, make([]float32, 5), make([]float32, 1)); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("Expected ErrShapeMismatch for short weights, got %v", err)
	}
}

func TestConvTranspose3DMatchesReference(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	in, out, k := 3, 2, 2
	conv, err := NewConvTranspose3D(in, out, k, randomSlice(rng, in*out*8), randomSlice(rng, out))
	if err != nil {
		t.Fatalf("NewConvTranspose3D failed: %v", err)
	}
	conv.Workers = 2
	x := randomTensor(rng, in, 3, 2, 4)

	got, err := conv.Forward(x)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if got.Shape() != [4]int{out, 6, 4, 8} {
		t.Fatalf("Unexpected shape %v", got.Shape())
	}

	for co := 0; co < out; co++ {
		for d := 0; d < got.D; d++ {
			for h := 0; h < got.H; h++ {
				for w := 0; w < got.W; w++ {
					sum := float64(conv.Bias[co])
					for ci := 0; ci < in; ci++ {
						wi := (((ci*out+co)*k+d%k)*k+h%k)*k + w%k
						sum += float64(conv.Weight[wi]) * float64(x.At(ci, d/k, h/k, w/k))
					}
					if !closeEnough(got.At(co, d, h, w), float32(sum), 1e-5) {
						t.Fatalf("(%d,%d,%d,%d): expected %f, got %f", co, d, h, w, sum, got.At(co, d, h, w))
					}
				}
			}
		}
	}
}

func TestBatchNorm3D(t *testing.T) {
	bn, err := NewBatchNorm3D(2,
		[]float32{1, 2},   // gamma
		[]float32{0, 1},   // beta
		[]float32{1, -1},  // mean
		[]float32{4, 0.25}, // variance
	)
	if err != nil {
		t.Fatalf("NewBatchNorm3D failed: %v", err)
	}

	x, _ := FromData(2, 1, 1, 2, []float32{3, 5, -1, 0})
	if _, err := bn.Forward(x); err != nil {
		t.Fatalf("Forward failed: %v", err)
	}

	want := []float32{
		(3 - 1) / float32(math.Sqrt(4+BatchNormEpsilon)),
		(5 - 1) / float32(math.Sqrt(4+BatchNormEpsilon)),
		1,
		2*(0+1)/float32(math.Sqrt(0.25+BatchNormEpsilon)) + 1,
	}
	for i := range want {
		if !closeEnough(x.Data[i], want[i], 1e-5) {
			t.Errorf("Value %d: expected %f, got %f", i, want[i], x.Data[i])
		}
	}

	if _, err := NewBatchNorm3D(3, []float32{1}, []float32{1}, []float32{1}, []float32{1}); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("Expected ErrShapeMismatch, got %v", err)
	}
}

func TestMaxPoolAndUnpool(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	x := randomTensor(rng, 2, 4, 4, 6)

	pooled, idx, err := MaxPool3D(x, 2)
	if err != nil {
		t.Fatalf("MaxPool3D failed: %v", err)
	}
	if pooled.Shape() != [4]int{2, 2, 2, 3} {
		t.Fatalf("Unexpected pooled shape %v", pooled.Shape())
	}

	// every pooled value must be the maximum of its window
	for c := 0; c < 2; c++ {
		for d := 0; d < 2; d++ {
			for h := 0; h < 2; h++ {
				for w := 0; w < 3; w++ {
					want := float32(math.Inf(-1))
					for kd := 0; kd < 2; kd++ {
						for kh := 0; kh < 2; kh++ {
							for kw := 0; kw < 2; kw++ {
								if v := x.At(c, 2*d+kd, 2*h+kh, 2*w+kw); v > want {
									want = v
								}
							}
						}
					}
					if got := pooled.At(c, d, h, w); got != want {
						t.Errorf("(%d,%d,%d,%d): expected %f, got %f", c, d, h, w, want, got)
					}
				}
			}
		}
	}

	unpooled, err := MaxUnpool3D(pooled, idx)
	if err != nil {
		t.Fatalf("MaxUnpool3D failed: %v", err)
	}
	if unpooled.Shape() != x.Shape() {
		t.Fatalf("Expected unpooled shape %v, got %v", x.Shape(), unpooled.Shape())
	}

	nonZero := 0
	for i, v := range unpooled.Data {
		if v == 0 {
			continue
		}
		nonZero++
		if v != x.Data[i] {
			t.Errorf("Unpooled value %d: expected %f, got %f", i, x.Data[i], v)
		}
	}
	if nonZero != len(pooled.Data) {
		t.Errorf("Expected %d restored maxima, got %d", len(pooled.Data), nonZero)
	}
}

func TestMaxPoolTiesPickFirst(t *testing.T) {
	x := NewTensor(1, 2, 2, 2)
	pooled, idx, err := MaxPool3D(x, 2)
	if err != nil {
		t.Fatalf("MaxPool3D failed: %v", err)
	}
	if pooled.Data[0] != 0 || idx.Index[0] != 0 {
		t.Errorf("Expected first index on ties, got value %f index %d", pooled.Data[0], idx.Index[0])
	}
}

func TestLinear(t *testing.T) {
	l, err := NewLinear(3, 2, []float32{1, 2, 3, -1, 0, 1}, []float32{0.5, -0.5})
	if err != nil {
		t.Fatalf("NewLinear failed: %v", err)
	}
	y, err := l.Forward([]float32{1, 1, 2})
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if y[0] != 9.5 || y[1] != 0.5 {
		t.Errorf("Expected [9.5 0.5], got %v", y)
	}
	if _, err := l.Forward([]float32{1}); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("Expected ErrShapeMismatch, got %v", err)
	}
}

func TestConcatAndSlice(t *testing.T) {
	a, _ := FromData(1, 1, 2, 2, []float32{1, 2, 3, 4})
	b, _ := FromData(2, 1, 2, 2, []float32{5, 6, 7, 8, 9, 10, 11, 12})

	cat, err := Concat(a, b)
	if err != nil {
		t.Fatalf("Concat failed: %v", err)
	}
	if cat.C != 3 || cat.At(1, 0, 0, 0) != 5 || cat.At(2, 0, 1, 1) != 12 {
		t.Errorf("Unexpected concatenation %v", cat.Data)
	}

	if _, err := Concat(a, NewTensor(1, 1, 3, 2)); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("Expected ErrShapeMismatch, got %v", err)
	}

	sub, err := cat.SliceSpatial(0, 1, 1, 2, 0, 2)
	if err != nil {
		t.Fatalf("SliceSpatial failed: %v", err)
	}
	want := []float32{3, 4, 7, 8, 11, 12}
	for i := range want {
		if sub.Data[i] != want[i] {
			t.Fatalf("Expected %v, got %v", want, sub.Data)
		}
	}
}

func TestSigmoid(t *testing.T) {
	if Sigmoid(0) != 0.5 {
		t.Errorf("Expected sigmoid(0) = 0.5, got %f", Sigmoid(0))
	}
	if Sigmoid(-30) > 1e-12 {
		t.Errorf("Expected sigmoid(-30) to be ~0, got %g", Sigmoid(-30))
	}
	if Sigmoid(40) != 1 {
		t.Errorf("Expected sigmoid(40) to saturate at 1, got %f", Sigmoid(40))
	}
}
