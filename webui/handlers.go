package webui

import (
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/ethpandaops/discnodoor/discnode"
	"github.com/ethpandaops/discnodoor/node"
	"github.com/ethpandaops/discnodoor/table"
)

// frontendHandler serves the status pages and the JSON API.
type frontendHandler struct {
	server  *Server
	service *discnode.Service
}

func newFrontendHandler(s *Server) *frontendHandler {
	return &frontendHandler{server: s, service: s.service}
}

// OverviewPageData contains data for the overview page.
type OverviewPageData struct {
	SiteName    string
	Status      string
	StartTime   time.Time
	Uptime      string
	LocalID     string
	PeerID      string
	LocalENR    string
	BindAddress string

	TableSize         int
	BucketsFilled     int
	UniqueIPs         int
	FilterRejections  int
	IPLimitRejections int

	SessionCount  int
	PendingCount  int
	ActiveLookups int
	StoredNodes   int

	PingsReceived       int
	PongsReceived       int
	FindNodesReceived   int
	NodesReceived       int
	UnsolicitedDropped  int
	SessionsEstablished int
	ChallengesAnswered  int
	RequestsFailed      int
}

// Overview renders the overview page. With ajax=1 the page data is
// returned as JSON for in-page refresh.
func (fh *frontendHandler) Overview(w http.ResponseWriter, r *http.Request) {
	data := fh.getOverviewPageData()

	if r.URL.Query().Get("ajax") == "1" {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(data)
		return
	}

	fh.server.render(w, "overview.html", data)
}

func (fh *frontendHandler) getOverviewPageData() *OverviewPageData {
	stats := fh.service.GetStats()

	return &OverviewPageData{
		SiteName:    fh.server.cfg.SiteName,
		Status:      "Online",
		StartTime:   stats.StartTime,
		Uptime:      stats.Uptime.Round(time.Second).String(),
		LocalID:     stats.LocalID,
		PeerID:      stats.PeerID,
		LocalENR:    stats.ENR,
		BindAddress: stats.BindAddress,

		TableSize:         stats.TableStats.TotalNodes,
		BucketsFilled:     stats.TableStats.BucketsFilled,
		UniqueIPs:         stats.TableStats.UniqueIPs,
		FilterRejections:  stats.TableStats.FilterRejections,
		IPLimitRejections: stats.TableStats.IPLimitRejections,

		SessionCount:  stats.SessionCount,
		PendingCount:  stats.PendingCount,
		ActiveLookups: stats.ActiveLookups,
		StoredNodes:   stats.StoredNodes,

		PingsReceived:       stats.Handler.PingsReceived,
		PongsReceived:       stats.Handler.PongsReceived,
		FindNodesReceived:   stats.Handler.FindNodesReceived,
		NodesReceived:       stats.Handler.NodesReceived,
		UnsolicitedDropped:  stats.Handler.UnsolicitedDropped,
		SessionsEstablished: stats.Handler.SessionsEstablished,
		ChallengesAnswered:  stats.Handler.ChallengesAnswered,
		RequestsFailed:      stats.Handler.RequestsFailed,
	}
}

// NodesPageData contains data for the nodes page.
type NodesPageData struct {
	SiteName   string
	TotalNodes int
	AliveNodes int
	Nodes      []NodeInfo
}

// NodeInfo contains node information for display.
type NodeInfo struct {
	ID           string `json:"id"`
	PeerID       string `json:"peerId"`
	IP           string `json:"ip"`
	Port         int    `json:"port"`
	ENRSeq       uint64 `json:"enrSeq"`
	ForkDigest   string `json:"forkDigest,omitempty"`
	FirstSeen    string `json:"firstSeen"`
	LastSeen     string `json:"lastSeen"`
	SuccessCount int    `json:"successCount"`
	FailureCount int    `json:"failureCount"`
	AvgRTT       string `json:"avgRtt"`
	Alive        bool   `json:"alive"`
	ENR          string `json:"enr"`
	EnodeURL     string `json:"enodeUrl,omitempty"`
}

// Nodes renders the routing table contents.
func (fh *frontendHandler) Nodes(w http.ResponseWriter, r *http.Request) {
	data := fh.getNodesPageData()
	fh.server.render(w, "nodes.html", data)
}

func (fh *frontendHandler) getNodesPageData() *NodesPageData {
	data := &NodesPageData{SiteName: fh.server.cfg.SiteName}

	fh.service.Table().ForEach(func(n *node.Node) {
		info := buildNodeInfo(n)
		data.Nodes = append(data.Nodes, info)
		if info.Alive {
			data.AliveNodes++
		}
	})
	data.TotalNodes = len(data.Nodes)

	sort.Slice(data.Nodes, func(i, j int) bool {
		return data.Nodes[i].ID < data.Nodes[j].ID
	})
	return data
}

func buildNodeInfo(n *node.Node) NodeInfo {
	snapshot := n.GetSnapshot()

	info := NodeInfo{
		ID:           n.ID().String(),
		PeerID:       n.PeerID(),
		IP:           n.IP().String(),
		Port:         int(n.UDPPort()),
		ENRSeq:       snapshot.ENRSeq,
		FirstSeen:    formatTime(snapshot.FirstSeen),
		LastSeen:     formatTime(snapshot.LastSeen),
		SuccessCount: snapshot.SuccessCount,
		FailureCount: snapshot.FailureCount,
		AvgRTT:       snapshot.AvgRTT.Round(time.Millisecond).String(),
		Alive:        n.Stats().IsAlive(table.DefaultMaxNodeAge, table.DefaultMaxFailures),
	}

	if digest, ok := n.Record().Eth2(); ok {
		info.ForkDigest = enrDigestString(digest.ForkDigest)
	}
	if encoded, err := n.Record().EncodeBase64(); err == nil {
		info.ENR = encoded
	}
	if en := n.Record().ToEnode(); en != nil {
		info.EnodeURL = en.URLv4()
	}
	return info
}

// ENR serves the local record as plain text.
func (fh *frontendHandler) ENR(w http.ResponseWriter, r *http.Request) {
	encoded, err := fh.service.LocalRecord().EncodeBase64()
	if err != nil {
		http.Error(w, "failed to encode ENR", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte(encoded))
}

// APIStatus serves the overview data as JSON.
func (fh *frontendHandler) APIStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(fh.getOverviewPageData())
}

// APINodes serves the routing table contents as JSON.
func (fh *frontendHandler) APINodes(w http.ResponseWriter, r *http.Request) {
	data := fh.getNodesPageData()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(struct {
		Total int        `json:"total"`
		Alive int        `json:"alive"`
		Nodes []NodeInfo `json:"nodes"`
	}{
		Total: data.TotalNodes,
		Alive: data.AliveNodes,
		Nodes: data.Nodes,
	})
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return time.Since(t).Round(time.Second).String() + " ago"
}

func enrDigestString(digest [4]byte) string {
	const hexDigits = "0123456789abcdef"
	out := make([]byte, 0, 10)
	out = append(out, '0', 'x')
	for _, b := range digest {
		out = append(out, hexDigits[b>>4], hexDigits[b&0x0f])
	}
	return string(out)
}
