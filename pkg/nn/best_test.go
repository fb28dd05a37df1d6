package nn

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBestEmpty(t *testing.T) {
	_, err := Best(nil)
	require.ErrorIs(t, err, ErrEmptyDetectionSet)
	_, err = Best([]ObjectDetection{})
	require.ErrorIs(t, err, ErrEmptyDetectionSet)
}

func TestBestTieGoesToFirst(t *testing.T) {
	objects := []ObjectDetection{
		{Class: 1, Confidence: 0.5},
		{Class: 2, Confidence: 0.9},
		{Class: 3, Confidence: 0.9},
		{Class: 4, Confidence: 0.1},
	}
	best, err := Best(objects)
	require.NoError(t, err)
	require.Equal(t, 2, best.Class)
}

func TestBestIsMaximum(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for iter := 0; iter < 200; iter++ {
		n := 1 + rng.Intn(30)
		objects := make([]ObjectDetection, n)
		for i := range objects {
			objects[i] = ObjectDetection{Class: i, Confidence: float32(rng.Intn(20)) / 20}
		}
		best, err := Best(objects)
		require.NoError(t, err)
		for _, o := range objects {
			require.GreaterOrEqual(t, best.Confidence, o.Confidence)
		}
		// The winner must be the first object that carries the maximum confidence
		for _, o := range objects {
			if o.Confidence == best.Confidence {
				require.Equal(t, o.Class, best.Class)
				break
			}
		}
	}
}
