package portaltwin

import (
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
)

const defaultSearchNum = 10

func (t *Twin) view(r *http.Request, it *item) item {
	v := *it
	v.TypeKeywords = append([]string(nil), it.TypeKeywords...)
	if strings.HasPrefix(v.URL, "/") {
		v.URL = baseURL(r) + v.URL
	}
	return v
}

func (t *Twin) search(w http.ResponseWriter, r *http.Request) {
	q := r.Form.Get("q")
	num, _ := strconv.Atoi(r.Form.Get("num"))
	if num <= 0 {
		num = defaultSearchNum
	}
	if num > t.opts.PageCap {
		num = t.opts.PageCap
	}
	start, _ := strconv.Atoi(r.Form.Get("start"))
	if start <= 0 {
		start = 1
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.record("search", caller(r), "", r)

	groups := parseQuery(q)
	var matched []*item
	for _, id := range t.order {
		it := t.items[id]
		if it.deleted && it.lag <= 0 {
			continue
		}
		if it.matches(groups) {
			matched = append(matched, it)
		}
	}
	for _, it := range t.items {
		if it.deleted && it.lag > 0 {
			it.lag--
		}
	}

	total := len(matched)
	results := make([]item, 0, num)
	from := start - 1
	to := from + num
	if to > total {
		to = total
	}
	for i := from; i < to; i++ {
		results = append(results, t.view(r, matched[i]))
	}
	next := -1
	if to < total {
		next = to + 1
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"query":     q,
		"total":     total,
		"start":     start,
		"num":       num,
		"nextStart": next,
		"results":   results,
	})
}

func (t *Twin) getItem(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	t.mu.Lock()
	defer t.mu.Unlock()
	t.record("getItem", caller(r), id, r)

	it, ok := t.items[id]
	if !ok || it.deleted {
		writeError(w, 400, "Item does not exist or is inaccessible.")
		return
	}
	writeJSON(w, http.StatusOK, t.view(r, it))
}

// ownedItem looks up the {id} item and checks it belongs to the caller.
// It writes the error response itself when the check fails.
func (t *Twin) ownedItem(w http.ResponseWriter, r *http.Request) (*item, bool) {
	owner := chi.URLParam(r, "owner")
	id := chi.URLParam(r, "id")
	if owner != caller(r) {
		writeError(w, 403, "User does not have permissions to access '"+owner+"' content.")
		return nil, false
	}
	it, ok := t.items[id]
	if !ok || it.deleted || it.Owner != owner {
		writeError(w, 400, "Item '"+id+"' does not exist or is inaccessible.")
		return nil, false
	}
	return it, true
}

func (t *Twin) deleteItem(w http.ResponseWriter, r *http.Request) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.record("delete", chi.URLParam(r, "owner"), chi.URLParam(r, "id"), r)

	it, ok := t.ownedItem(w, r)
	if !ok {
		return
	}
	it.deleted = true
	it.lag = t.opts.DeleteLag
	for name, svc := range t.services {
		if svc.itemID == it.ID {
			delete(t.services, name)
		}
	}
	t.logger.Debug("deleted item", "id", it.ID, "title", it.Title)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "itemId": it.ID})
}

func (t *Twin) addItem(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "owner")

	var data []byte
	if r.MultipartForm != nil {
		if files := r.MultipartForm.File["file"]; len(files) > 0 {
			f, err := files[0].Open()
			if err != nil {
				writeError(w, 400, "Unable to read file")
				return
			}
			data, err = io.ReadAll(f)
			f.Close()
			if err != nil {
				writeError(w, 400, "Unable to read file")
				return
			}
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.record("addItem", owner, "", r)

	if owner != caller(r) {
		writeError(w, 403, "User does not have permissions to add content for '"+owner+"'.")
		return
	}
	title, typ := r.Form.Get("title"), r.Form.Get("type")
	if title == "" || typ == "" {
		writeError(w, 400, "title and type are required")
		return
	}
	it := t.putItemLocked(Seed{Owner: owner, Title: title, Type: typ, Data: data})
	if tags := r.Form.Get("tags"); tags != "" {
		it.Tags = strings.Split(tags, ",")
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "id": it.ID, "folder": ""})
}

func (t *Twin) share(w http.ResponseWriter, r *http.Request) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.record("share", chi.URLParam(r, "owner"), chi.URLParam(r, "id"), r)

	it, ok := t.ownedItem(w, r)
	if !ok {
		return
	}
	everyone := r.Form.Get("everyone") == "true"
	org := r.Form.Get("org") == "true"
	if everyone && strings.HasPrefix(strings.ToLower(t.users[it.Owner].LicenseType), "location") {
		writeError(w, 403, "You do not have permissions to share content publicly.")
		return
	}
	switch {
	case everyone:
		it.Access = "public"
	case org:
		it.Access = "org"
	default:
		it.Access = "private"
	}
	it.Modified = t.now().UnixMilli()
	writeJSON(w, http.StatusOK, map[string]any{"itemId": it.ID, "notSharedWith": []string{}})
}

func (t *Twin) registeredAppInfo(w http.ResponseWriter, r *http.Request) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.record("registeredAppInfo", chi.URLParam(r, "owner"), chi.URLParam(r, "id"), r)

	// Org members may read registrations of apps they do not own.
	it, ok := t.items[chi.URLParam(r, "id")]
	if !ok || it.deleted || it.OrgID != t.users[caller(r)].OrgID {
		writeError(w, 400, "Item '"+chi.URLParam(r, "id")+"' does not exist or is inaccessible.")
		return
	}
	if it.app == nil {
		writeError(w, 400, "Item '"+it.ID+"' is not a registered application.")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"itemId":        it.ID,
		"client_id":     it.app.ClientID,
		"appType":       it.app.AppType,
		"redirect_uris": append([]string{}, it.app.RedirectURIs...),
		"privileges":    append([]string{}, it.app.Privileges...),
	})
}
