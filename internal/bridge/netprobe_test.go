package bridge

import "testing"

func TestInterfaceProbeMissingInterface(t *testing.T) {
	if (InterfaceProbe{Name: "lumina-does-not-exist0"}).Up() {
		t.Fatalf("missing interface reported up")
	}
}

func TestLinkFor(t *testing.T) {
	cases := []struct {
		state AgentState
		want  Link
	}{
		{AgentState{NetworkUp: false, BrokerConnected: false}, LinkNetworkDown},
		{AgentState{NetworkUp: true, BrokerConnected: false}, LinkBrokerDown},
		{AgentState{NetworkUp: true, BrokerConnected: true}, LinkHealthy},
	}
	for _, c := range cases {
		if got := linkFor(c.state); got != c.want {
			t.Fatalf("%+v: got %s want %s", c.state, got, c.want)
		}
	}
}
