package mesh

import (
	"testing"

	"github.com/richard-shepherd/MessagingMesh/tools/tassert"
)

func TestClassifySelfAndPeers(t *testing.T) {
	isSelf, peers, err := classify([]string{"127.0.0.1:5050", "10.0.0.9:5050"}, 5050)
	tassert.CheckFatal(t, err)
	if !isSelf {
		t.Fatal("expected self to be found on 127.0.0.1:5050")
	}
	tassert.DeepEqual(t, peers, []string{"10.0.0.9:5050"})
}

func TestClassifyNoSelfMeansAllPeers(t *testing.T) {
	isSelf, peers, err := classify([]string{"10.0.0.5:5050", "10.0.0.9:5050"}, 6060)
	tassert.CheckFatal(t, err)
	if isSelf {
		t.Fatal("did not expect self to be found")
	}
	tassert.DeepEqual(t, peers, []string{"10.0.0.5:5050", "10.0.0.9:5050"})
}

func TestClassifyRejectsMalformedEntry(t *testing.T) {
	if _, _, err := classify([]string{"not-a-host-port"}, 5050); err == nil {
		t.Fatal("expected error for malformed entry")
	}
}

func TestDiscoverViaCoordinatorIsUnsupported(t *testing.T) {
	m := New()
	if err := m.DiscoverViaCoordinator(); err != ErrCoordinatorUnsupported {
		t.Fatalf("got %v, want ErrCoordinatorUnsupported", err)
	}
}
