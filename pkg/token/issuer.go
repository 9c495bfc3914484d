package token

import (
	"sort"
	"time"
)

// Issuer mints the coordinator's token families with configured lifetimes.
type Issuer struct {
	secret string

	AccessTTL   time.Duration
	EventsTTL   time.Duration
	ReadTTL     time.Duration
	TransferTTL time.Duration
}

// Internal agent tickets are short-lived by construction; they are minted
// per fan-out call and never handed to clients.
const internalAgentTTL = 60 * time.Second

// NewIssuer returns an Issuer with the default lifetimes. Callers override
// the TTL fields from configuration.
func NewIssuer(secret string) *Issuer {
	return &Issuer{
		secret:      secret,
		AccessTTL:   time.Hour,
		EventsTTL:   90 * time.Second,
		ReadTTL:     30 * time.Minute,
		TransferTTL: 30 * time.Minute,
	}
}

// AccessToken mints a client_access token for an authenticated device.
func (i *Issuer) AccessToken(principalID, clientDeviceID string) (string, error) {
	return Sign(i.secret, Claims{
		"kind":             KindClientAccess,
		"principal_id":     principalID,
		"client_device_id": clientDeviceID,
	}, i.AccessTTL)
}

// EventsToken mints a short-lived events_ws token for the websocket
// handshake.
func (i *Issuer) EventsToken(principalID, clientDeviceID string) (string, error) {
	return Sign(i.secret, Claims{
		"kind":             KindEventsWS,
		"principal_id":     principalID,
		"client_device_id": clientDeviceID,
	}, i.EventsTTL)
}

// ReadTicket mints a share-scoped read ticket carrying the principal's
// resolved permissions, sorted for a stable wire form.
func (i *Issuer) ReadTicket(principalID, shareID string, permissions []string) (string, error) {
	permissions = append([]string(nil), permissions...)
	sort.Strings(permissions)
	return Sign(i.secret, Claims{
		"kind":         KindReadTicket,
		"principal_id": principalID,
		"share_id":     shareID,
		"permissions":  permissions,
	}, i.ReadTTL)
}

// TransferTicket mints an upload ticket bound to one transfer and its
// receiving device and share.
func (i *Issuer) TransferTicket(principalID, transferID, receiverDeviceID, receiverShareID string) (string, error) {
	return Sign(i.secret, Claims{
		"kind":               KindTransferUpload,
		"principal_id":       principalID,
		"transfer_id":        transferID,
		"receiver_device_id": receiverDeviceID,
		"receiver_share_id":  receiverShareID,
	}, i.TransferTTL)
}

// InternalAgentTicket mints the coordinator-to-agent ticket used by the
// federated search fan-out.
func (i *Issuer) InternalAgentTicket(shareID string) (string, error) {
	return Sign(i.secret, Claims{
		"kind":     KindInternalAgent,
		"share_id": shareID,
	}, internalAgentTTL)
}
