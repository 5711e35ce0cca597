package registry

import "github.com/dunamismax/visionx/internal/domain"

const (
	Canny         = "canny"
	LoG           = "log"
	DoG           = "dog"
	GLCM          = "glcm"
	Hough         = "hough"
	ChainCode     = "chain"
	Histogram     = "histogram"
	Affine        = "affine"
	RegionGrowing = "region-growing"
	SplitMerge    = "split-merge"
)

func param(name string, lo, hi, def, step float64) domain.ParameterSpec {
	return domain.ParameterSpec{Name: name, Min: lo, Max: hi, Default: def, Step: step}
}

// Builtin lists the algorithms the processing service understands, in
// display order.
func Builtin() []domain.AlgorithmDescriptor {
	return []domain.AlgorithmDescriptor{
		{ID: Canny, Label: "Canny Edge Detection", Parameters: []domain.ParameterSpec{
			param("threshold1", 0, 255, 100, 1),
			param("threshold2", 0, 255, 200, 1),
		}},
		{ID: LoG, Label: "Laplacian of Gaussian (LoG)", Parameters: []domain.ParameterSpec{
			param("kernel_size", 1, 31, 5, 2),
			param("sigma", 0.1, 5, 1, 0.1),
		}},
		{ID: DoG, Label: "Difference of Gaussians (DoG)", Parameters: []domain.ParameterSpec{
			param("sigma1", 0.1, 10, 1, 0.1),
			param("sigma2", 0.1, 10, 2, 0.1),
		}},
		{ID: GLCM, Label: "Gray-Level Co-occurrence Matrix (GLCM)", Parameters: []domain.ParameterSpec{
			param("num_levels", 2, 32, 8, 1),
		}},
		// theta is left to the service default (pi/180).
		{ID: Hough, Label: "Hough Transform", Parameters: []domain.ParameterSpec{
			param("rho", 1, 10, 1, 1),
			param("threshold", 1, 500, 100, 1),
		}},
		{ID: ChainCode, Label: "Chain Code"},
		{ID: Histogram, Label: "Histogram Equalization", Parameters: []domain.ParameterSpec{
			param("clip_limit", 0.1, 10, 2, 0.1),
		}},
		{ID: Affine, Label: "Affine Transformation", Parameters: []domain.ParameterSpec{
			param("scale_x", 0.1, 3, 1, 0.1),
			param("scale_y", 0.1, 3, 1, 0.1),
			param("rotation", -180, 180, 0, 1),
			param("tx", -200, 200, 0, 1),
			param("ty", -200, 200, 0, 1),
		}},
		{ID: RegionGrowing, Label: "Region Growing", Parameters: []domain.ParameterSpec{
			param("threshold", 1, 100, 20, 1),
			param("min_size", 1, 1000, 100, 1),
		}},
		{ID: SplitMerge, Label: "Splitting & Merging", Parameters: []domain.ParameterSpec{
			param("threshold", 1, 100, 20, 1),
			param("min_size", 1, 256, 4, 1),
		}},
	}
}

// Default returns a registry over Builtin.
func Default() *Registry {
	return MustNew(Builtin()...)
}
