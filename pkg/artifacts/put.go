package artifacts

import (
	"context"
	"fmt"

	"github.com/Mindburn-Labs/quorum/pkg/canonicalize"
)

// PutAll stores canonical artifacts and checks that the backend agrees on
// every fingerprint.
func PutAll(ctx context.Context, s Store, arts []*canonicalize.Artifact) error {
	for _, a := range arts {
		hash, err := s.Store(ctx, a.CanonicalBytes)
		if err != nil {
			return fmt.Errorf("store %s: %w", a.Name, err)
		}
		if hash != a.Fingerprint {
			return fmt.Errorf("%w: %s stored as %s, expected %s", ErrCorrupt, a.Name, hash, a.Fingerprint)
		}
	}
	return nil
}
