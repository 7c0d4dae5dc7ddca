package units

import (
	"io"
	"net/http"

	"github.com/unitsproto/units/bc"
	unitsnet "github.com/unitsproto/units/net"
)

// Handler returns the ingress surface: POST /submit runs a canonical
// transaction and responds with the canonical receipt; GET /receipt
// and GET /object read committed state. Transaction decoding from the
// wire happens here, at the edge; the pipeline consumes decoded
// values.
func (p *Pipeline) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/submit", p.serveSubmit)
	mux.HandleFunc("/receipt", p.serveReceipt)
	mux.HandleFunc("/object", p.serveObject)
	return mux
}

func (p *Pipeline) serveSubmit(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		unitsnet.Errorf(w, http.StatusMethodNotAllowed, "submit wants POST")
		return
	}
	bits, err := io.ReadAll(req.Body)
	if err != nil {
		unitsnet.Errorf(w, http.StatusInternalServerError, "reading request body: %s", err)
		return
	}
	tx, err := bc.DecodeTransaction(bits, p.cfg.WireLimits())
	if err != nil {
		unitsnet.Errorf(w, http.StatusBadRequest, "parsing transaction: %s", err)
		return
	}

	rcp, err := p.Run(req.Context(), tx)
	if err != nil {
		unitsnet.Errorf(w, unitsnet.Status(CodeOf(err)), "running transaction: %s", err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, err = w.Write(rcp.Encode())
	if err != nil {
		unitsnet.Errorf(w, http.StatusInternalServerError, "sending response: %s", err)
	}
}

func (p *Pipeline) serveReceipt(w http.ResponseWriter, req *http.Request) {
	var txHash [32]byte
	id, err := bc.IdFromHex(req.FormValue("tx"))
	if err != nil {
		unitsnet.Errorf(w, http.StatusBadRequest, "parsing tx hash: %s", err)
		return
	}
	copy(txHash[:], id.Bytes())

	rcp, err := p.store.GetReceipt(req.Context(), txHash)
	if err != nil {
		unitsnet.Errorf(w, http.StatusInternalServerError, "reading receipt: %s", err)
		return
	}
	if rcp == nil {
		unitsnet.Errorf(w, http.StatusNotFound, "no receipt for tx %x", txHash[:4])
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, err = w.Write(rcp.Encode())
	if err != nil {
		unitsnet.Errorf(w, http.StatusInternalServerError, "sending response: %s", err)
	}
}

func (p *Pipeline) serveObject(w http.ResponseWriter, req *http.Request) {
	id, err := bc.IdFromHex(req.FormValue("id"))
	if err != nil {
		unitsnet.Errorf(w, http.StatusBadRequest, "parsing object id: %s", err)
		return
	}

	ctx := req.Context()
	release, err := p.locks.AcquireShared(ctx, id)
	if err != nil {
		unitsnet.Errorf(w, unitsnet.Status(CodeOf(err)), "locking object: %s", err)
		return
	}
	o, err := p.store.Get(ctx, id)
	release()
	if err != nil {
		unitsnet.Errorf(w, http.StatusInternalServerError, "reading object: %s", err)
		return
	}
	if o == nil {
		unitsnet.Errorf(w, http.StatusNotFound, "no object %s", id)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, err = w.Write(bc.EncodeObject(o))
	if err != nil {
		unitsnet.Errorf(w, http.StatusInternalServerError, "sending response: %s", err)
	}
}
