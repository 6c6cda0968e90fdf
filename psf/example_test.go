package psf_test

import (
	"fmt"
	"log"

	"github.com/bob-anderson-ok/aureolefit/psf"
)

// Example builds a two-segment aureole and inspects the amplitudes solved
// from continuity at the transition radius.
func Example() {
	p := psf.DefaultParams()
	p.NS = []float64{3, 2.5}
	p.ThetaS = []float64{5, 100}

	model, err := psf.Build(p)
	if err != nil {
		log.Fatalf("build: %v", err)
	}

	amp := model.Amplitudes()
	fmt.Printf("A0 = %.4g, A1 = %.4g\n", amp[0], amp[1])
	for _, r := range []float64{2, 5, 100, 400} {
		fmt.Printf("aureole(%g) = %.4g\n", r, model.Aureole1D(r))
	}
	fmt.Println("grid for 90 px:", psf.RoundGoodFFT(90))

	// Output:
	// A0 = 125, A1 = 12.5
	// aureole(2) = 1
	// aureole(5) = 1
	// aureole(100) = 0.000125
	// aureole(400) = 3.906e-06
	// grid for 90 px: 96
}
