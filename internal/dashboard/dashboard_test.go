package dashboard

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/matryer/is"
	"github.com/rs/zerolog"

	"github.com/ferux/trackercenter/internal/config"
	"github.com/ferux/trackercenter/internal/model"
	"github.com/ferux/trackercenter/internal/session"
	"github.com/ferux/trackercenter/internal/tracker"
	"github.com/ferux/trackercenter/internal/trackertest"
)

func newView(t *testing.T) (*View, *trackertest.Backend) {
	b := trackertest.New(t)
	b.IssueToken("T")

	c := tracker.New(config.Backend{BaseURL: b.URL()}, session.NewMemory("T"))

	return New(c, zerolog.Nop()), b
}

func devices(ids ...string) []model.Device {
	out := make([]model.Device, 0, len(ids))
	for _, id := range ids {
		out = append(out, model.Device{DeviceID: id, Name: "Truck " + id, Type: model.DeviceVehicle, Status: model.StatusActive})
	}

	return out
}

func ids(devices []model.Device) []string {
	out := make([]string, 0, len(devices))
	for _, d := range devices {
		out = append(out, d.DeviceID)
	}

	return out
}

func TestLoad(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	v, b := newView(t)
	for _, d := range devices("NAV-001", "NAV-002") {
		b.PutDevice(d)
	}

	is.Equal(len(v.State().Devices), 0)
	is.True(!v.State().Loaded)

	is.NoErr(v.Load(ctx))

	state := v.State()
	is.True(state.Loaded)
	is.True(!state.Loading)
	is.Equal(state.Error, "")
	is.Equal(ids(state.Devices), []string{"NAV-001", "NAV-002"})
}

func TestLoadFailureKeepsList(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	v, b := newView(t)
	b.PutDevice(devices("NAV-001")[0])
	is.NoErr(v.Load(ctx))

	b.Fail(trackertest.RouteDevices, http.StatusInternalServerError, `{"message":"db down"}`)

	err := v.Load(ctx)
	is.True(err != nil)

	var apiErr *model.APIError
	is.True(errors.As(err, &apiErr))
	is.Equal(apiErr.Message, "db down")

	state := v.State()
	is.Equal(state.Error, MessageLoadFailed)
	is.True(!state.Loading)
	is.Equal(ids(state.Devices), []string{"NAV-001"})

	b.Recover(trackertest.RouteDevices)
	is.NoErr(v.Load(ctx))
	is.Equal(v.State().Error, "")
}

func TestAdd(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	v, b := newView(t)
	is.NoErr(v.Load(ctx))

	v.OpenAddDialog()
	is.Equal(v.State().AddDialog.Form.Type, model.DeviceVehicle)

	v.SetAddForm(model.DeviceInput{Name: "Truck 12", DeviceID: "NAV-012"})

	device, err := v.Add(ctx)
	is.NoErr(err)
	is.Equal(device.DeviceID, "NAV-012")
	// defaults come from backend
	is.Equal(device.Status, model.StatusActive)

	state := v.State()
	is.Equal(ids(state.Devices), []string{"NAV-012"})
	is.True(!state.AddDialog.Open)
	is.True(!state.AddDialog.Submitting)
	is.Equal(state.AddDialog.Form, model.DeviceInput{Type: model.DeviceVehicle})

	req, ok := b.LastRequest(trackertest.RouteAddDevice)
	is.True(ok)
	is.Equal(req.Body, `{"name":"Truck 12","deviceId":"NAV-012","type":"Vehicle"}`)
}

func TestAddFailureKeepsDialog(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	v, b := newView(t)
	b.PutDevice(devices("NAV-001")[0])
	is.NoErr(v.Load(ctx))

	b.Fail(trackertest.RouteAddDevice, http.StatusBadRequest, `{"message":"bad"}`)

	v.OpenAddDialog()
	v.SetAddForm(model.DeviceInput{Name: "X", DeviceID: "NAV-X", Type: model.DeviceAsset})

	_, err := v.Add(ctx)
	is.True(err != nil)

	state := v.State()
	is.Equal(state.Error, MessageAddFailed)
	is.True(state.AddDialog.Open)
	is.True(!state.AddDialog.Submitting)
	is.Equal(state.AddDialog.Form.DeviceID, "NAV-X")
	is.Equal(ids(state.Devices), []string{"NAV-001"})
}

func TestAddRequiresNameAndID(t *testing.T) {
	is := is.New(t)

	v, b := newView(t)
	v.OpenAddDialog()
	v.SetAddForm(model.DeviceInput{Name: "only name"})

	_, err := v.Add(context.Background())
	is.True(errors.Is(err, model.ErrMissingParameter))
	is.Equal(b.Count(trackertest.RouteAddDevice), 0)
	is.Equal(v.State().Error, "")
}

func TestDeleteRemovesExactlyOne(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	v, b := newView(t)
	for _, d := range devices("NAV-001", "NAV-003", "NAV-0031") {
		b.PutDevice(d)
	}

	is.NoErr(v.Load(ctx))
	is.NoErr(v.Delete(ctx, "NAV-003"))
	is.Equal(ids(v.State().Devices), []string{"NAV-001", "NAV-0031"})
	is.Equal(ids(b.Devices()), []string{"NAV-001", "NAV-0031"})
}

func TestDeleteFailure(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	v, b := newView(t)
	b.PutDevice(devices("NAV-001")[0])
	is.NoErr(v.Load(ctx))

	b.Fail(trackertest.RouteDeleteDevice, http.StatusInternalServerError, "")

	err := v.Delete(ctx, "NAV-001")
	is.True(err != nil)
	is.Equal(err.Error(), "API error: 500")

	state := v.State()
	is.Equal(state.Error, MessageDeleteFailed)
	is.Equal(ids(state.Devices), []string{"NAV-001"})
}

func TestOnChange(t *testing.T) {
	is := is.New(t)

	v, _ := newView(t)

	var seen []State
	v.OnChange(func(s State) { seen = append(seen, s) })

	is.NoErr(v.Load(context.Background()))
	is.Equal(len(seen), 2)
	is.True(seen[0].Loading)
	is.True(!seen[1].Loading)
	is.True(seen[1].Loaded)
}

func TestFilter(t *testing.T) {
	list := []model.Device{
		{DeviceID: "NAV-001", Name: "Delivery Truck"},
		{DeviceID: "ast-77", Name: "Forklift"},
		{DeviceID: "NAV-002", Name: "truck trailer"},
	}

	tt := []struct {
		name  string
		query string
		want  []string
	}{
		{name: "empty keeps all", query: "", want: []string{"NAV-001", "ast-77", "NAV-002"}},
		{name: "name ignores case", query: "TRUCK", want: []string{"NAV-001", "NAV-002"}},
		{name: "id ignores case", query: "AST", want: []string{"ast-77"}},
		{name: "id substring", query: "0", want: []string{"NAV-001", "NAV-002"}},
		{name: "nothing", query: "boat", want: []string{}},
	}

	for _, tc := range tt {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			is := is.New(t)

			got := Filter(list, tc.query)
			is.Equal(ids(got), tc.want)
			is.Equal(len(list), 3)
		})
	}
}

func TestFilterIsSubset(t *testing.T) {
	is := is.New(t)

	list := devices("NAV-001", "NAV-002", "BUS-1")
	for _, q := range []string{"", "nav", "1", "truck", "zzz"} {
		got := Filter(list, q)
		is.True(len(got) <= len(list))

		// filtering twice changes nothing
		is.Equal(ids(Filter(got, q)), ids(got))
	}
}

func TestAddDeviceLeavesDialog(t *testing.T) {
	is := is.New(t)

	v, b := newView(t)
	v.OpenAddDialog()
	v.SetAddForm(model.DeviceInput{Name: "draft"})

	device, err := v.AddDevice(context.Background(), model.DeviceInput{Name: "Crate", DeviceID: "SHP-1"})
	is.NoErr(err)
	is.Equal(device.Type, model.DeviceVehicle)

	state := v.State()
	is.True(state.AddDialog.Open)
	is.Equal(state.AddDialog.Form.Name, "draft")
	is.Equal(ids(state.Devices), []string{"SHP-1"})
	is.Equal(ids(b.Devices()), []string{"SHP-1"})
}
