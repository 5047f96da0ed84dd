package portaltwin

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
)

func (t *Twin) serviceURL(r *http.Request, name string) string {
	return baseURL(r) + ServicesPath + "/" + name + "/FeatureServer"
}

func (t *Twin) createService(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "owner")

	t.mu.Lock()
	defer t.mu.Unlock()
	t.record("createService", owner, "", r)

	if owner != caller(r) {
		writeError(w, 403, "User does not have permissions to create services for '"+owner+"'.")
		return
	}
	var params map[string]any
	if err := json.Unmarshal([]byte(r.Form.Get("createParameters")), &params); err != nil {
		writeError(w, 400, "Unable to parse createParameters")
		return
	}
	title, _ := params["name"].(string)
	if title == "" {
		writeError(w, 400, "Service name is required")
		return
	}
	name := serviceName(title)
	if _, exists := t.services[name]; exists {
		writeError(w, 409, "Service name '"+name+"' already exists for '"+t.users[owner].OrgID+"'")
		return
	}
	it := t.putItemLocked(Seed{Owner: owner, Title: title, Type: "Feature Service"})
	t.newServiceLocked(name, it)
	svcURL := t.serviceURL(r, name)
	writeJSON(w, http.StatusOK, map[string]any{
		"success":           true,
		"itemId":            it.ID,
		"serviceItemId":     it.ID,
		"name":              name,
		"serviceurl":        svcURL,
		"encodedServiceURL": svcURL,
		"type":              "Feature Service",
		"isView":            false,
	})
}

func (t *Twin) addToDefinition(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "service")

	t.mu.Lock()
	defer t.mu.Unlock()

	svc, ok := t.services[name]
	if !ok {
		t.record("addToDefinition", caller(r), "", r)
		writeError(w, 400, "Service '"+name+"' does not exist.")
		return
	}
	t.record("addToDefinition", svc.owner, svc.itemID, r)
	if svc.owner != caller(r) {
		writeError(w, 403, "User does not have permissions to update this service.")
		return
	}
	var def struct {
		Layers []map[string]any `json:"layers"`
		Tables []map[string]any `json:"tables"`
	}
	if err := json.Unmarshal([]byte(r.Form.Get("addToDefinition")), &def); err != nil {
		writeError(w, 400, "Unable to parse addToDefinition")
		return
	}
	added := make([]map[string]any, 0, len(def.Layers)+len(def.Tables))
	for _, l := range append(def.Layers, def.Tables...) {
		id := len(svc.layers)
		l["id"] = id
		svc.layers = append(svc.layers, l)
		added = append(added, map[string]any{"id": id, "name": l["name"]})
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "layers": added})
}

func (t *Twin) analyze(w http.ResponseWriter, r *http.Request) {
	id := r.Form.Get("itemId")

	t.mu.Lock()
	defer t.mu.Unlock()
	t.record("analyze", caller(r), id, r)

	it, ok := t.items[id]
	if !ok || it.deleted {
		writeError(w, 400, "Item '"+id+"' does not exist or is inaccessible.")
		return
	}
	if !strings.EqualFold(r.Form.Get("filetype"), "csv") {
		writeError(w, 400, "Unsupported filetype '"+r.Form.Get("filetype")+"'")
		return
	}
	features, err := csvFeatures(it.data)
	if err != nil {
		writeError(w, 400, "Unable to analyze item: "+err.Error())
		return
	}

	var fields []map[string]any
	locationType := "address"
	if len(features) > 0 {
		if features[0].Geometry != nil {
			locationType = "coordinates"
		}
	}
	for _, col := range csvHeader(it.data) {
		fields = append(fields, map[string]any{"name": col, "type": "esriFieldTypeString", "alias": col})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"publishParameters": map[string]any{
			"type":              "csv",
			"name":              it.Title,
			"locationType":      locationType,
			"maxRecordCount":    1000,
			"columnDelimiter":   ",",
			"sourceSR":          map[string]any{"wkid": 4326},
			"targetSR":          map[string]any{"wkid": 102100},
			"layerInfo":         map[string]any{"name": it.Title, "fields": fields},
			"estimatedRowCount": len(features),
		},
		"records": []any{},
	})
}

func (t *Twin) publish(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "owner")
	id := r.Form.Get("itemId")

	t.mu.Lock()
	defer t.mu.Unlock()
	t.record("publish", owner, id, r)

	if owner != caller(r) {
		writeError(w, 403, "User does not have permissions to publish for '"+owner+"'.")
		return
	}
	src, ok := t.items[id]
	if !ok || src.deleted || src.Owner != owner {
		writeError(w, 400, "Item '"+id+"' does not exist or is inaccessible.")
		return
	}
	var params map[string]any
	if err := json.Unmarshal([]byte(r.Form.Get("publishParameters")), &params); err != nil {
		writeError(w, 400, "Unable to parse publishParameters")
		return
	}
	title, _ := params["name"].(string)
	if title == "" {
		writeError(w, 400, "publishParameters.name is required")
		return
	}
	name := serviceName(title)
	if _, exists := t.services[name]; exists {
		writeError(w, 409, "Service name '"+name+"' already exists for '"+t.users[owner].OrgID+"'")
		return
	}
	features, err := csvFeatures(src.data)
	if err != nil {
		writeError(w, 400, "Unable to publish item: "+err.Error())
		return
	}

	it := t.putItemLocked(Seed{Owner: owner, Title: src.Title, Type: "Feature Service"})
	svc := t.newServiceLocked(name, it)
	svc.layers = []map[string]any{{"id": 0, "name": src.Title}}
	for _, f := range features {
		svc.add(0, f)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"services": []map[string]any{{
			"type":              "Feature Service",
			"serviceurl":        t.serviceURL(r, name),
			"encodedServiceURL": t.serviceURL(r, name),
			"serviceItemId":     it.ID,
			"jobId":             newID(),
			"size":              len(src.data),
		}},
	})
}

// layer resolves the {service}/{layer} path. It writes the error response
// itself when the layer does not exist.
func (t *Twin) layer(w http.ResponseWriter, r *http.Request) (*service, int, bool) {
	name := chi.URLParam(r, "service")
	svc, ok := t.services[name]
	if !ok {
		writeError(w, 400, "Service '"+name+"' does not exist.")
		return nil, 0, false
	}
	idx, err := strconv.Atoi(chi.URLParam(r, "layer"))
	if err != nil || idx < 0 || idx >= len(svc.layers) {
		writeError(w, 400, "Invalid URL: layer "+chi.URLParam(r, "layer")+" does not exist.")
		return nil, 0, false
	}
	return svc, idx, true
}

func (t *Twin) query(w http.ResponseWriter, r *http.Request) {
	t.mu.Lock()
	defer t.mu.Unlock()

	svc, idx, ok := t.layer(w, r)
	if !ok {
		t.record("query", caller(r), "", r)
		return
	}
	t.record("query", svc.owner, svc.itemID, r)
	if svc.lag > 0 {
		svc.lag--
		writeError(w, 500, "Service is not ready.")
		return
	}
	match, err := whereFunc(r.Form.Get("where"))
	if err != nil {
		writeError(w, 400, err.Error())
		return
	}
	var out []feature
	for _, f := range svc.features[idx] {
		if match(f) {
			out = append(out, f)
		}
	}
	if r.Form.Get("returnCountOnly") == "true" {
		writeJSON(w, http.StatusOK, map[string]any{"count": len(out)})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"objectIdFieldName": "OBJECTID",
		"geometryType":      "esriGeometryPoint",
		"features":          out,
	})
}

func (t *Twin) addFeatures(w http.ResponseWriter, r *http.Request) {
	t.mu.Lock()
	defer t.mu.Unlock()

	svc, idx, ok := t.layer(w, r)
	if !ok {
		t.record("addFeatures", caller(r), "", r)
		return
	}
	t.record("addFeatures", svc.owner, svc.itemID, r)
	var features []feature
	if err := json.Unmarshal([]byte(r.Form.Get("features")), &features); err != nil {
		writeError(w, 400, "Unable to parse features")
		return
	}
	results := make([]map[string]any, 0, len(features))
	for _, f := range features {
		oid := svc.add(idx, f)
		results = append(results, map[string]any{"objectId": oid, "success": true})
	}
	writeJSON(w, http.StatusOK, map[string]any{"addResults": results})
}

func (t *Twin) deleteFeatures(w http.ResponseWriter, r *http.Request) {
	t.mu.Lock()
	defer t.mu.Unlock()

	svc, idx, ok := t.layer(w, r)
	if !ok {
		t.record("deleteFeatures", caller(r), "", r)
		return
	}
	t.record("deleteFeatures", svc.owner, svc.itemID, r)
	match, err := whereFunc(r.Form.Get("where"))
	if err != nil {
		writeError(w, 400, err.Error())
		return
	}
	var keep []feature
	results := []map[string]any{}
	for _, f := range svc.features[idx] {
		if match(f) {
			results = append(results, map[string]any{"objectId": f.Attributes["OBJECTID"], "success": true})
			continue
		}
		keep = append(keep, f)
	}
	svc.features[idx] = keep
	writeJSON(w, http.StatusOK, map[string]any{"deleteResults": results})
}

// whereFunc understands "1=1" and a single field = 'value' comparison.
func whereFunc(where string) (func(feature) bool, error) {
	where = strings.TrimSpace(where)
	if where == "" || where == "1=1" {
		return func(feature) bool { return true }, nil
	}
	field, value, ok := strings.Cut(where, "=")
	if !ok {
		return nil, fmt.Errorf("Unable to perform query. Unsupported where clause %q", where)
	}
	field = strings.TrimSpace(field)
	value = strings.Trim(strings.TrimSpace(value), "'")
	return func(f feature) bool {
		return fmt.Sprint(f.Attributes[field]) == value
	}, nil
}
