package tracker

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/matryer/is"

	"github.com/ferux/trackercenter/internal/config"
	"github.com/ferux/trackercenter/internal/fcontext"
	"github.com/ferux/trackercenter/internal/model"
	"github.com/ferux/trackercenter/internal/session"
	"github.com/ferux/trackercenter/internal/trackertest"
	itime "github.com/ferux/trackercenter/internal/time"
)

func newClient(b *trackertest.Backend, s session.Session) *Client {
	return New(config.Backend{BaseURL: b.URL()}, s)
}

func TestLoginStoresToken(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	b := trackertest.New(t)
	b.AddUser("A", "a@b.com", "pw")
	b.NextToken("T1")

	s := session.NewMemory("")
	c := newClient(b, s)

	login, err := c.Login(ctx, "a@b.com", "pw")
	is.NoErr(err)
	is.Equal(login.Token, "T1")
	is.Equal(s.Token(), "T1")

	_, err = c.Devices(ctx)
	is.NoErr(err)

	req, ok := b.LastRequest(trackertest.RouteDevices)
	is.True(ok)
	is.Equal(req.Authorization, "Bearer T1")

	loginReq, _ := b.LastRequest(trackertest.RouteLogin)
	is.Equal(loginReq.Authorization, "")
	is.Equal(loginReq.Body, `{"email":"a@b.com","password":"pw"}`)
}

func TestLoginFailureKeepsSession(t *testing.T) {
	is := is.New(t)

	b := trackertest.New(t)
	b.AddUser("A", "a@b.com", "pw")

	s := session.NewMemory("old")
	c := newClient(b, s)

	_, err := c.Login(context.Background(), "a@b.com", "wrong")
	is.True(err != nil)
	is.Equal(err.Error(), "Invalid credentials")
	is.Equal(s.Token(), "old")
}

func TestRegister(t *testing.T) {
	is := is.New(t)

	b := trackertest.New(t)
	c := newClient(b, session.NewMemory(""))

	user, err := c.Register(context.Background(), "Ann", "ann@b.com", "pw")
	is.NoErr(err)
	is.Equal(user.Email, "ann@b.com")
	is.Equal(user.Name, "Ann")

	_, err = c.Register(context.Background(), "Ann", "ann@b.com", "pw")
	is.Equal(err.Error(), "User already exists")
}

func TestRequestWithoutToken(t *testing.T) {
	is := is.New(t)

	b := trackertest.New(t)
	c := newClient(b, session.NewMemory(""))

	_, err := c.Devices(context.Background())

	var apiErr *model.APIError
	is.True(errors.As(err, &apiErr))
	is.Equal(apiErr.Status, http.StatusUnauthorized)
	is.Equal(apiErr.Message, "unauthorized")

	// the request is still sent, just without credentials
	req, ok := b.LastRequest(trackertest.RouteDevices)
	is.True(ok)
	is.Equal(req.Authorization, "")
}

func TestDeviceCRUD(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	b := trackertest.New(t)
	b.IssueToken("T1")
	c := newClient(b, session.NewMemory("T1"))

	devices, err := c.Devices(ctx)
	is.NoErr(err)
	is.Equal(len(devices), 0)
	is.True(devices != nil)

	added, err := c.AddDevice(ctx, model.DeviceInput{Name: "Truck", DeviceID: "NAV-001", Type: model.DeviceVehicle})
	is.NoErr(err)
	is.Equal(added.DeviceID, "NAV-001")
	is.Equal(added.Status, model.StatusActive)

	got, err := c.Device(ctx, "NAV-001")
	is.NoErr(err)
	is.Equal(got.Name, "Truck")

	updated, err := c.UpdateDevice(ctx, "NAV-001", model.DeviceInput{
		Name:     "Truck 2",
		DeviceID: "NAV-001",
		Type:     model.DeviceAsset,
		Status:   model.StatusMaintenance,
	})
	is.NoErr(err)
	is.Equal(updated.Name, "Truck 2")
	is.Equal(updated.Status, model.StatusMaintenance)

	ack, err := c.DeleteDevice(ctx, "NAV-001")
	is.NoErr(err)
	is.Equal(ack.Message, "Device deleted")

	_, err = c.Device(ctx, "NAV-001")
	var apiErr *model.APIError
	is.True(errors.As(err, &apiErr))
	is.Equal(apiErr.Status, http.StatusNotFound)
	is.Equal(apiErr.Message, "Device not found")
}

func TestLocationAndHistory(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	b := trackertest.New(t)
	b.IssueToken("T1")
	b.PutDevice(model.Device{DeviceID: "NAV-001", Name: "Truck"})

	c := newClient(b, session.NewMemory("T1"))

	_, err := c.UpdateLocation(ctx, "NAV-001", model.Location{Lat: 28.61, Lng: 77.2})
	is.NoErr(err)

	req, _ := b.LastRequest(trackertest.RouteUpdateLocation)
	is.Equal(req.Authorization, "")
	is.Equal(req.Body, `{"lat":28.61,"lng":77.2}`)

	history, err := c.DeviceHistory(ctx, "NAV-001")
	is.NoErr(err)
	is.Equal(len(history), 1)
	is.Equal(history[0].Location.Lat.Float64(), 28.61)

	_, err = c.ClearHistory(ctx, "NAV-001")
	is.NoErr(err)

	clearReq, _ := b.LastRequest(trackertest.RouteClearHistory)
	is.Equal(clearReq.Authorization, "Bearer T1")

	history, err = c.DeviceHistory(ctx, "NAV-001")
	is.NoErr(err)
	is.Equal(len(history), 0)
}

func TestSendMessage(t *testing.T) {
	is := is.New(t)
	ctx := fcontext.WithRequestID(context.Background(), "rid-1")

	b := trackertest.New(t)
	b.IssueToken("T1")
	b.PutDevice(model.Device{DeviceID: "NAV 7", Name: "Crate"})

	c := newClient(b, session.NewMemory("T1"))

	_, err := c.SendMessage(ctx, "NAV 7", "hello")
	is.NoErr(err)
	is.Equal(b.Messages("NAV 7"), []string{"hello"})

	req, _ := b.LastRequest(trackertest.RouteSendMessage)
	is.Equal(req.RequestID, "rid-1")
	is.Equal(req.Path, "/api/devices/NAV%207/message")
	is.Equal(req.Body, `{"message":"hello"}`)
}

func TestErrorNormalization(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		message string
	}{
		{name: "json message", status: http.StatusBadRequest, body: `{"message":"bad device"}`, message: "bad device"},
		{name: "json without message", status: http.StatusInternalServerError, body: `{"error":"boom"}`, message: "API error: 500"},
		{name: "plain text", status: http.StatusBadGateway, body: `<html>bad gateway</html>`, message: "API error: 502"},
		{name: "empty body", status: http.StatusNotFound, body: ``, message: "API error: 404"},
		{name: "json array", status: http.StatusConflict, body: `["conflict"]`, message: "API error: 409"},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			is := is.New(t)

			b := trackertest.New(t)
			b.IssueToken("T1")
			b.Fail(trackertest.RouteDevices, tc.status, tc.body)

			_, err := newClient(b, session.NewMemory("T1")).Devices(context.Background())

			var apiErr *model.APIError
			is.True(errors.As(err, &apiErr))
			is.Equal(apiErr.Status, tc.status)
			is.Equal(apiErr.Error(), tc.message)
		})
	}
}

func TestMalformedBody(t *testing.T) {
	is := is.New(t)

	b := trackertest.New(t)
	b.IssueToken("T1")
	b.Fail(trackertest.RouteDevices, http.StatusOK, `{"devices": [`)

	_, err := newClient(b, session.NewMemory("T1")).Devices(context.Background())

	var apiErr *model.APIError
	is.True(errors.As(err, &apiErr))
	is.Equal(apiErr.Status, http.StatusOK)
}

func TestEmptyListBody(t *testing.T) {
	is := is.New(t)

	b := trackertest.New(t)
	b.IssueToken("T1")
	b.Fail(trackertest.RouteDevices, http.StatusOK, `null`)

	devices, err := newClient(b, session.NewMemory("T1")).Devices(context.Background())
	is.NoErr(err)
	is.Equal(len(devices), 0)
	is.True(devices != nil)
}

func TestTransportError(t *testing.T) {
	is := is.New(t)

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := New(config.Backend{BaseURL: url}, session.NewMemory("")).Devices(context.Background())

	var apiErr *model.APIError
	is.True(errors.As(err, &apiErr))
	is.Equal(apiErr.Status, 0)
	is.True(errors.Unwrap(err) != nil)
}

func TestCanceledContext(t *testing.T) {
	is := is.New(t)

	b := trackertest.New(t)
	b.IssueToken("T1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newClient(b, session.NewMemory("T1")).Devices(ctx)
	is.True(errors.Is(err, context.Canceled))
	is.Equal(b.Count(trackertest.RouteDevices), 0)
}

func TestRateLimit(t *testing.T) {
	is := is.New(t)

	b := trackertest.New(t)
	b.IssueToken("T1")

	c := New(config.Backend{BaseURL: b.URL(), RateLimit: 20, Burst: 1}, session.NewMemory("T1"))

	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := c.Devices(context.Background())
		is.NoErr(err)
	}

	// one token in the bucket, the other two wait 50ms each
	is.True(time.Since(start) >= 90*time.Millisecond)
}

func TestDefaults(t *testing.T) {
	is := is.New(t)

	c := New(config.Backend{}, session.NewMemory(""))
	is.Equal(c.BaseURL(), config.DefaultBackendURL)

	c = New(config.Backend{BaseURL: "http://x/api/", Timeout: itime.Duration(time.Second)}, session.NewMemory(""))
	is.Equal(c.BaseURL(), "http://x/api")
	is.Equal(c.client.Timeout, time.Second)
}

func TestDevicesToleratesBadDisplayFields(t *testing.T) {
	is := is.New(t)

	b := trackertest.New(t)
	b.IssueToken("T1")
	b.Fail(trackertest.RouteDevices, http.StatusOK, `[
		{"deviceId":"NAV-001","name":"Truck","lastUpdated":"2024-03-01T10:00:00Z"},
		{"deviceId":"NAV-002","name":"Crate","lastUpdated":"2024-05-01 10:00:00","batteryLevel":"N/A"}
	]`)

	devices, err := newClient(b, session.NewMemory("T1")).Devices(context.Background())
	is.NoErr(err)
	is.Equal(len(devices), 2)
	is.True(devices[1].LastUpdated.IsZero())
	is.Equal(devices[1].BatteryLevel.OrZero(), 0.0)
}
