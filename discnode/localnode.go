package discnode

import (
	"crypto/ecdsa"
	"fmt"
	"net"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/discnodoor/config"
	"github.com/ethpandaops/discnodoor/enr"
	"github.com/ethpandaops/discnodoor/netconfig"
	"github.com/ethpandaops/discnodoor/nodedb"
)

// buildLocalRecord assembles and signs the local ENR. The sequence
// number continues from a previously persisted record, so restarts
// bump it instead of resetting to 1.
func buildLocalRecord(cfg *config.Config, key *ecdsa.PrivateKey, store *nodedb.Store, filter *netconfig.ForkFilter, logger logrus.FieldLogger) (*enr.Record, error) {
	record := enr.New()
	record.SetSeq(nextLocalSeq(store, logger))

	if cfg.ENRIP != "" {
		if ip := net.ParseIP(cfg.ENRIP); ip != nil && ip.To4() != nil {
			record.Set("ip", ip.To4())
		}
	}
	if cfg.ENRIP6 != "" {
		if ip := net.ParseIP(cfg.ENRIP6); ip != nil && ip.To4() == nil {
			record.Set("ip6", ip.To16())
		}
	}
	record.Set("udp", uint16(cfg.EffectiveENRPort()))

	if filter != nil {
		record.Set("eth2", filter.Eth2Entry().Encode())
	}

	if err := record.Sign(key); err != nil {
		return nil, fmt.Errorf("discnode: failed to sign local record: %w", err)
	}

	if store != nil {
		encoded, err := record.EncodeRLP()
		if err == nil {
			err = store.StoreLocalENR(encoded)
		}
		if err != nil {
			logger.WithError(err).Warn("discnode: failed to persist local record")
		}
	}

	return record, nil
}

// nextLocalSeq returns the sequence number for a fresh local record:
// one past the stored record's, or 1 without persistence.
func nextLocalSeq(store *nodedb.Store, logger logrus.FieldLogger) uint64 {
	if store == nil {
		return 1
	}

	stored, err := store.LoadLocalENR()
	if err != nil || len(stored) == 0 {
		return 1
	}

	previous, err := enr.Load(stored)
	if err != nil {
		logger.WithError(err).Warn("discnode: stored local record is unreadable")
		return 1
	}

	logger.WithField("seq", previous.Seq()).Debug("discnode: continuing local record sequence")
	return previous.Seq() + 1
}

// parseBootnodes decodes the configured base64 bootnode records,
// skipping unparseable entries.
func parseBootnodes(entries []string, logger logrus.FieldLogger) []*enr.Record {
	records := make([]*enr.Record, 0, len(entries))
	for _, entry := range entries {
		record, err := enr.DecodeBase64(entry)
		if err != nil {
			logger.WithError(err).WithField("enr", entry).Warn("discnode: skipping invalid bootnode record")
			continue
		}
		if record.UDPEndpoint() == nil {
			logger.WithField("enr", entry).Warn("discnode: skipping bootnode record without UDP endpoint")
			continue
		}
		records = append(records, record)
	}
	return records
}
