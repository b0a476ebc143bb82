package csvfeed

import (
    "context"
    "encoding/csv"
    "errors"
    "fmt"
    "io"
    "os"
    "strconv"
    "strings"
    "time"

    "routedispatch/internal/integrations"
    "routedispatch/internal/model"
)

// Feed reads orders and vehicles from CSV files dropped by a carrier
// export. The files are re-read on every fetch so a replaced file is
// picked up on the next poll.
//
// orders:   id,lat,lng,demand,earliest,latest,service_sec,status
// vehicles: id,capacity,lat,lng,driver_id,status
//
// A header row is skipped when its first column is "id". Times are RFC3339;
// empty window bounds are open.
type Feed struct {
    OrdersPath   string
    VehiclesPath string
}

func (f Feed) Name() string { return "csv" }

func (f Feed) ReadModel() integrations.ReadModel {
    return integrations.ReadModel{Orders: f, Fleet: f}
}

func (f Feed) FetchOrders(ctx context.Context, _ time.Time) ([]model.Stop, error) {
    var out []model.Stop
    err := readRows(ctx, f.OrdersPath, 8, func(line int, rec []string) error {
        s, err := parseStop(rec)
        if err != nil { return fmt.Errorf("%s:%d: %w", f.OrdersPath, line, err) }
        out = append(out, s)
        return nil
    })
    return out, err
}

func (f Feed) FetchFleet(ctx context.Context) ([]model.Vehicle, error) {
    var out []model.Vehicle
    err := readRows(ctx, f.VehiclesPath, 6, func(line int, rec []string) error {
        v, err := parseVehicle(rec)
        if err != nil { return fmt.Errorf("%s:%d: %w", f.VehiclesPath, line, err) }
        out = append(out, v)
        return nil
    })
    return out, err
}

func readRows(ctx context.Context, path string, fields int, fn func(line int, rec []string) error) error {
    fh, err := os.Open(path)
    if err != nil { return err }
    defer fh.Close()

    r := csv.NewReader(fh)
    r.FieldsPerRecord = fields
    r.TrimLeadingSpace = true
    for line := 1; ; line++ {
        if err := ctx.Err(); err != nil { return err }
        rec, err := r.Read()
        if errors.Is(err, io.EOF) { return nil }
        if err != nil { return err }
        if line == 1 && strings.EqualFold(rec[0], "id") { continue }
        if err := fn(line, rec); err != nil { return err }
    }
}

func parseStop(rec []string) (model.Stop, error) {
    s := model.Stop{ID: rec[0], Status: integrations.MapStatus(rec[7])}
    var err error
    if s.Location, err = parsePoint(rec[1], rec[2]); err != nil { return s, err }
    if s.Demand, err = strconv.Atoi(rec[3]); err != nil { return s, fmt.Errorf("demand: %w", err) }
    if rec[4] != "" || rec[5] != "" {
        w := &model.TimeWindow{}
        if rec[4] != "" {
            if w.Earliest, err = time.Parse(time.RFC3339, rec[4]); err != nil { return s, fmt.Errorf("earliest: %w", err) }
        }
        if rec[5] != "" {
            if w.Latest, err = time.Parse(time.RFC3339, rec[5]); err != nil { return s, fmt.Errorf("latest: %w", err) }
        }
        s.Window = w
    }
    if rec[6] != "" {
        if s.ServiceSec, err = strconv.Atoi(rec[6]); err != nil { return s, fmt.Errorf("service_sec: %w", err) }
    }
    if s.ID == "" { return s, errors.New("empty id") }
    return s, nil
}

func parseVehicle(rec []string) (model.Vehicle, error) {
    v := model.Vehicle{ID: rec[0], DriverID: rec[4], Status: model.VehicleStatus(strings.ToLower(rec[5]))}
    var err error
    if v.Capacity, err = strconv.Atoi(rec[1]); err != nil { return v, fmt.Errorf("capacity: %w", err) }
    if v.Position, err = parsePoint(rec[2], rec[3]); err != nil { return v, err }
    if v.Status == "" { v.Status = model.VehicleIdle }
    if v.ID == "" { return v, errors.New("empty id") }
    return v, nil
}

func parsePoint(lat, lng string) (model.GeoPoint, error) {
    la, err := strconv.ParseFloat(lat, 64)
    if err != nil { return model.GeoPoint{}, fmt.Errorf("lat: %w", err) }
    lo, err := strconv.ParseFloat(lng, 64)
    if err != nil { return model.GeoPoint{}, fmt.Errorf("lng: %w", err) }
    return model.GeoPoint{Lat: la, Lng: lo}, nil
}
