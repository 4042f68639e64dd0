package server

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/openmme/mme-nas-core/internal/nascontext"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// debugBearerView and debugPDNView flatten a UE's contexts into
// JSON-friendly shapes for the operator dump; internal context types carry
// unexported fields and mutexes that must not be serialized directly.
type debugBearerView struct {
	EBI   uint8  `json:"ebi"`
	Kind  string `json:"kind"`
	State string `json:"state"`
	Cid   uint8  `json:"cid"`
}

type debugPDNView struct {
	Cid        uint8             `json:"cid"`
	APN        string            `json:"apn"`
	PDNType    string            `json:"pdnType"`
	DefaultEBI uint8             `json:"defaultEbi"`
	Bearers    []debugBearerView `json:"bearers"`
}

type debugUEView struct {
	UEID  uint32         `json:"ueId"`
	IMSI  string         `json:"imsi"`
	State string         `json:"emmState"`
	NPDNs int            `json:"nPdns"`
	PDNs  []debugPDNView `json:"pdns"`
}

func (s *Server) handleDebugUE(w http.ResponseWriter, r *http.Request) {
	idStr := chi.URLParam(r, "id")
	id64, err := strconv.ParseUint(idStr, 10, 32)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid ue id", err)
		return
	}
	ueID := uint32(id64)

	var view debugUEView
	err = s.store.WithMut(ueID, func(ctx *nascontext.EMMContext) error {
		view = debugUEView{
			UEID:  ctx.UEID,
			IMSI:  ctx.IMSI,
			State: string(ctx.State),
			NPDNs: ctx.NPDNs,
		}
		for _, cid := range ctx.PDNCidsSorted() {
			pdn := ctx.PDNs[cid]
			pv := debugPDNView{
				Cid:        pdn.Cid,
				APN:        pdn.APN,
				PDNType:    string(pdn.PDNType),
				DefaultEBI: pdn.DefaultEBI,
			}
			for _, ebi := range pdn.BearerEBIsSorted() {
				b := pdn.Bearers[ebi]
				kind := "dedicated"
				if b.IsDefault() {
					kind = "default"
				}
				pv.Bearers = append(pv.Bearers, debugBearerView{
					EBI:   b.EBI,
					Kind:  kind,
					State: string(b.State),
					Cid:   pdn.Cid,
				})
			}
			view.PDNs = append(view.PDNs, pv)
		}
		return nil
	})
	if err != nil {
		if nascontext.IsAbsent(err) {
			s.respondError(w, http.StatusNotFound, "ue context not found", err)
			return
		}
		s.respondError(w, http.StatusInternalServerError, "failed to read ue context", err)
		return
	}

	s.respondJSON(w, http.StatusOK, view)
}
