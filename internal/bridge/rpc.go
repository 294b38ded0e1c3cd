package bridge

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/fedixyz/fedi-sub003/internal/apperror"
	"github.com/fedixyz/fedi-sub003/internal/appstate"
	"github.com/fedixyz/fedi-sub003/internal/federation"
	"github.com/fedixyz/fedi-sub003/internal/filestore"
	"github.com/fedixyz/fedi-sub003/internal/matrix/multispend"
	"github.com/fedixyz/fedi-sub003/internal/matrix/sptransfer"
	"github.com/fedixyz/fedi-sub003/internal/storage"
)

// registerRPCMethods builds the method table.
//
// Generic invoice/ecash methods (generateInvoice, payInvoice,
// generateEcash, receiveEcash, cancelEcash) and community/Nostr metadata
// are deliberately absent: federation.UnderlyingClient exposes no generic
// invoice or ecash-note surface — only the stability-pool and
// recurring-receive operations the coordinators and services actually call
// — and community metadata is a distinct subsystem not wired into this
// bridge build.
func (b *Bridge) registerRPCMethods() {
	b.Dispatcher.Register("health", b.rpcHealth)

	b.Dispatcher.Register("joinFederation", b.rpcJoinFederation)
	b.Dispatcher.Register("leaveFederation", b.rpcLeaveFederation)
	b.Dispatcher.Register("listFederations", b.rpcListFederations)
	b.Dispatcher.Register("federationStatus", b.rpcFederationStatus)

	b.Dispatcher.Register("socialRecoveryUploadBackup", b.rpcSocialRecoveryUploadBackup)
	b.Dispatcher.Register("socialRecoveryDownloadBackup", b.rpcSocialRecoveryDownloadBackup)
	b.Dispatcher.Register("exportFederationDb", b.rpcExportFederationDb)

	b.Dispatcher.Register("matrixSpTransferSend", b.rpcSpTransferSend)
	b.Dispatcher.Register("matrixSpTransferStatus", b.rpcSpTransferStatus)

	b.Dispatcher.Register("multispendCreateInvite", b.rpcMultispendCreateInvite)
	b.Dispatcher.Register("multispendVoteInvitation", b.rpcMultispendVoteInvitation)
	b.Dispatcher.Register("multispendCancelInvite", b.rpcMultispendCancelInvite)
	b.Dispatcher.Register("multispendCreateWithdrawalRequest", b.rpcMultispendCreateWithdrawalRequest)
	b.Dispatcher.Register("multispendApproveWithdraw", b.rpcMultispendApproveWithdraw)
}

func (b *Bridge) rpcHealth(ctx context.Context, payload json.RawMessage) (any, error) {
	if err := b.store.HealthCheck(ctx); err != nil {
		return nil, apperror.Wrap(apperror.InitializationFailed, err)
	}
	return map[string]string{"status": "ok"}, nil
}

// joinFederationRequest carries the invite fields directly rather than a
// raw bech32m invite-code string: decoding that wire format belongs to the
// out-of-scope federation-client layer (internal/federation/client.go's
// package doc comment), so the host is expected to have already parsed the
// invite code before calling this method.
type joinFederationRequest struct {
	FederationID string `json:"federationId"`
	Url          string `json:"url"`
	ApiSecret    string `json:"apiSecret"`
}

func (b *Bridge) rpcJoinFederation(ctx context.Context, payload json.RawMessage) (any, error) {
	var req joinFederationRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, apperror.Wrap(apperror.InvalidJSON, err)
	}
	if req.FederationID == "" {
		return nil, apperror.New(apperror.BadRequest, "federationId is required")
	}

	invite := federation.InviteCode{FederationID: req.FederationID, Url: req.Url, ApiSecret: req.ApiSecret}
	f, err := b.federations.JoinFederation(ctx, invite, func(ctx context.Context, f *federation.Federation) error {
		summary, err := appstateSummaryFor(ctx, f)
		if err != nil {
			return err
		}
		return b.appState.UpsertJoinedFederation(ctx, summary)
	})
	if err != nil {
		return nil, err
	}
	return map[string]string{"federationId": f.ID}, nil
}

func (b *Bridge) rpcLeaveFederation(ctx context.Context, payload json.RawMessage) (any, error) {
	var req struct {
		FederationID string `json:"federationId"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, apperror.Wrap(apperror.InvalidJSON, err)
	}
	if err := b.federations.LeaveFederation(ctx, req.FederationID); err != nil {
		return nil, err
	}
	if err := b.appState.RemoveJoinedFederation(ctx, req.FederationID); err != nil {
		return nil, err
	}
	return map[string]string{"federationId": req.FederationID}, nil
}

func (b *Bridge) rpcListFederations(ctx context.Context, payload json.RawMessage) (any, error) {
	return b.appState.JoinedFederations(), nil
}

func (b *Bridge) rpcFederationStatus(ctx context.Context, payload json.RawMessage) (any, error) {
	var req struct {
		FederationID string `json:"federationId"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, apperror.Wrap(apperror.InvalidJSON, err)
	}
	state, _, failureErr, ok := b.federations.GetFederationState(req.FederationID)
	if !ok {
		return nil, apperror.New(apperror.UnknownFederation, req.FederationID)
	}
	return map[string]any{
		"federationId": req.FederationID,
		"status":       state.String(),
		"error":        failureErr,
	}, nil
}

func (b *Bridge) rpcSpTransferSend(ctx context.Context, payload json.RawMessage) (any, error) {
	var req struct {
		RoomID       string `json:"roomId"`
		FederationID string `json:"federationId"`
		AmountCents  int64  `json:"amountCents"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, apperror.Wrap(apperror.InvalidJSON, err)
	}
	id, err := b.sptransfer.Send(ctx, req.RoomID, req.FederationID, req.AmountCents)
	if err != nil {
		return nil, err
	}
	return map[string]string{"pendingTransferId": id}, nil
}

func (b *Bridge) rpcSpTransferStatus(ctx context.Context, payload json.RawMessage) (any, error) {
	var req struct {
		RoomID            string `json:"roomId"`
		PendingTransferID string `json:"pendingTransferId"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, apperror.Wrap(apperror.InvalidJSON, err)
	}
	status, err := b.sptransfer.Status(ctx, req.RoomID, req.PendingTransferID)
	if err != nil {
		return nil, err
	}
	return map[string]sptransfer.Status{"status": status}, nil
}

func (b *Bridge) rpcMultispendCreateInvite(ctx context.Context, payload json.RawMessage) (any, error) {
	var req struct {
		RoomID     string                     `json:"roomId"`
		Invitation multispend.GroupInvitation `json:"invitation"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, apperror.Wrap(apperror.InvalidJSON, err)
	}
	eventID, err := b.multispend.CreateInvite(ctx, req.RoomID, req.Invitation)
	if err != nil {
		return nil, apperror.Wrap(apperror.InvalidMsEvent, err)
	}
	return map[string]string{"eventId": eventID}, nil
}

func (b *Bridge) rpcMultispendVoteInvitation(ctx context.Context, payload json.RawMessage) (any, error) {
	var req struct {
		RoomID            string                    `json:"roomId"`
		InvitationEventID string                    `json:"invitationEventId"`
		Decision          multispend.VoteDecision    `json:"decision"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, apperror.Wrap(apperror.InvalidJSON, err)
	}
	eventID, err := b.multispend.VoteInvitation(ctx, req.RoomID, req.InvitationEventID, req.Decision)
	if err != nil {
		return nil, apperror.Wrap(apperror.InvalidMsEvent, err)
	}
	return map[string]string{"eventId": eventID}, nil
}

func (b *Bridge) rpcMultispendCancelInvite(ctx context.Context, payload json.RawMessage) (any, error) {
	var req struct {
		RoomID            string `json:"roomId"`
		InvitationEventID string `json:"invitationEventId"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, apperror.Wrap(apperror.InvalidJSON, err)
	}
	eventID, err := b.multispend.CancelInvite(ctx, req.RoomID, req.InvitationEventID)
	if err != nil {
		return nil, apperror.Wrap(apperror.InvalidMsEvent, err)
	}
	return map[string]string{"eventId": eventID}, nil
}

func (b *Bridge) rpcMultispendCreateWithdrawalRequest(ctx context.Context, payload json.RawMessage) (any, error) {
	var req struct {
		RoomID      string                             `json:"roomId"`
		Request     multispend.WithdrawalRequestBody   `json:"request"`
		Description string                             `json:"description"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, apperror.Wrap(apperror.InvalidJSON, err)
	}
	eventID, err := b.multispend.CreateWithdrawalRequest(ctx, req.RoomID, req.Request, req.Description)
	if err != nil {
		return nil, apperror.Wrap(apperror.InvalidMsEvent, err)
	}
	return map[string]string{"eventId": eventID}, nil
}

func (b *Bridge) rpcMultispendApproveWithdraw(ctx context.Context, payload json.RawMessage) (any, error) {
	var req struct {
		RoomID    string `json:"roomId"`
		RequestID string `json:"requestId"`
		Approve   bool   `json:"approve"`
		Signature string `json:"signature"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, apperror.Wrap(apperror.InvalidJSON, err)
	}
	eventID, err := b.multispend.RespondToWithdrawal(ctx, req.RoomID, req.RequestID, req.Approve, req.Signature)
	if err != nil {
		return nil, apperror.Wrap(apperror.InvalidMsEvent, err)
	}
	return map[string]string{"eventId": eventID}, nil
}

// requireFileStore gates the file-side-state methods on a configured store.
func (b *Bridge) requireFileStore() (*filestore.Store, error) {
	if b.files == nil {
		return nil, apperror.New(apperror.BadRequest, "no file store is configured for this bridge instance")
	}
	return b.files, nil
}

func (b *Bridge) rpcSocialRecoveryUploadBackup(ctx context.Context, payload json.RawMessage) (any, error) {
	files, err := b.requireFileStore()
	if err != nil {
		return nil, err
	}
	var req struct {
		Passphrase    string `json:"passphrase"`
		PayloadBase64 string `json:"payloadBase64"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, apperror.Wrap(apperror.InvalidJSON, err)
	}
	plaintext, err := base64.StdEncoding.DecodeString(req.PayloadBase64)
	if err != nil {
		return nil, apperror.Wrap(apperror.BadRequest, err)
	}
	sealed, err := filestore.SealRecoveryBundle(req.Passphrase, plaintext)
	if err != nil {
		return nil, err
	}
	if err := files.Put(ctx, filestore.ObjectSocialRecoveryBackup, sealed, "application/octet-stream"); err != nil {
		return nil, err
	}
	return map[string]string{"object": filestore.ObjectSocialRecoveryBackup}, nil
}

func (b *Bridge) rpcSocialRecoveryDownloadBackup(ctx context.Context, payload json.RawMessage) (any, error) {
	files, err := b.requireFileStore()
	if err != nil {
		return nil, err
	}
	var req struct {
		Passphrase string `json:"passphrase"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, apperror.Wrap(apperror.InvalidJSON, err)
	}
	sealed, err := files.Get(ctx, filestore.ObjectSocialRecoveryBackup)
	if err != nil {
		return nil, apperror.Wrap(apperror.InvalidSocialRecoveryFile, err)
	}
	plaintext, err := filestore.OpenRecoveryBundle(req.Passphrase, sealed)
	if err != nil {
		return nil, err
	}
	return map[string]string{"payloadBase64": base64.StdEncoding.EncodeToString(plaintext)}, nil
}

// rpcExportFederationDb dumps one federation's entire key range to the file
// store as db-<id>.dump, one JSON line per key/value pair.
func (b *Bridge) rpcExportFederationDb(ctx context.Context, payload json.RawMessage) (any, error) {
	files, err := b.requireFileStore()
	if err != nil {
		return nil, err
	}
	var req struct {
		FederationID string `json:"federationId"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, apperror.Wrap(apperror.InvalidJSON, err)
	}
	if req.FederationID == "" {
		return nil, apperror.New(apperror.BadRequest, "federationId is required")
	}

	tx, err := b.store.BeginTransactionNC(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Close(ctx)

	var dump bytes.Buffer
	next, closeFn := tx.FindByPrefix(ctx, storage.FederationPrefix(req.FederationID))
	defer closeFn()
	count := 0
	for {
		k, v, ok, err := next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		line, err := json.Marshal(map[string]string{
			"k": hex.EncodeToString(k),
			"v": base64.StdEncoding.EncodeToString(v),
		})
		if err != nil {
			return nil, err
		}
		dump.Write(line)
		dump.WriteByte('\n')
		count++
	}

	object := filestore.DBDumpObject(req.FederationID)
	if err := files.Put(ctx, object, dump.Bytes(), "application/x-ndjson"); err != nil {
		return nil, err
	}
	return map[string]any{"object": object, "entries": count}, nil
}

// appstateSummaryFor builds the JoinedFederationSummary committed on a
// successful join. The fee schedule is left empty; the registry's background
// fee fetch does not write the schedules it fetches into the summary.
// Network and display name come from the underlying client's federation
// meta: a missing key leaves the field empty, a lookup error is returned.
func appstateSummaryFor(ctx context.Context, f *federation.Federation) (appstate.JoinedFederationSummary, error) {
	network, _, err := f.Client.Meta(ctx, "network")
	if err != nil {
		return appstate.JoinedFederationSummary{}, fmt.Errorf("reading federation network meta: %w", err)
	}
	name, _, err := f.Client.Meta(ctx, "federation_name")
	if err != nil {
		return appstate.JoinedFederationSummary{}, fmt.Errorf("reading federation name meta: %w", err)
	}
	return appstate.JoinedFederationSummary{
		FederationID: f.ID,
		Network:      network,
		DisplayName:  name,
	}, nil
}
