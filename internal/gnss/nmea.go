package gnss

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Fix is a parsed GGA position report.
type Fix struct {
	Stamp      time.Time
	Latitude   float64 // degrees, north positive
	Longitude  float64 // degrees, east positive
	Altitude   float64 // meters above mean sea level
	Quality    int
	Satellites int
	HDOP       float64
}

// HasFix reports whether the receiver had a position solution.
func (f Fix) HasFix() bool {
	return f.Quality > 0
}

// ParseGGA parses a single $--GGA sentence. The sentence checksum is
// verified when present. Non-GGA sentences return an error so callers
// can skip them cheaply.
func ParseGGA(line string) (Fix, error) {
	line = strings.TrimSpace(line)
	if len(line) == 0 || line[0] != '$' {
		return Fix{}, fmt.Errorf("not an NMEA sentence: %q", line)
	}

	body := line[1:]
	if idx := strings.IndexByte(body, '*'); idx >= 0 {
		want, err := strconv.ParseUint(body[idx+1:], 16, 8)
		if err != nil {
			return Fix{}, fmt.Errorf("bad checksum field in %q: %w", line, err)
		}
		if got := checksum(body[:idx]); got != byte(want) {
			return Fix{}, fmt.Errorf("checksum mismatch in %q: got %02X want %02X", line, got, want)
		}
		body = body[:idx]
	}

	fields := strings.Split(body, ",")
	if len(fields) < 10 || !strings.HasSuffix(fields[0], "GGA") {
		return Fix{}, fmt.Errorf("not a GGA sentence: %q", line)
	}

	var fix Fix
	var err error

	if fields[1] != "" {
		fix.Stamp, err = parseUTC(fields[1])
		if err != nil {
			return Fix{}, fmt.Errorf("bad time in %q: %w", line, err)
		}
	}
	fix.Latitude, err = parseCoordinate(fields[2], fields[3], "N", "S")
	if err != nil {
		return Fix{}, fmt.Errorf("bad latitude in %q: %w", line, err)
	}
	fix.Longitude, err = parseCoordinate(fields[4], fields[5], "E", "W")
	if err != nil {
		return Fix{}, fmt.Errorf("bad longitude in %q: %w", line, err)
	}
	if fields[6] != "" {
		fix.Quality, err = strconv.Atoi(fields[6])
		if err != nil {
			return Fix{}, fmt.Errorf("bad quality in %q: %w", line, err)
		}
	}
	if fields[7] != "" {
		fix.Satellites, err = strconv.Atoi(fields[7])
		if err != nil {
			return Fix{}, fmt.Errorf("bad satellite count in %q: %w", line, err)
		}
	}
	if fields[8] != "" {
		fix.HDOP, err = strconv.ParseFloat(fields[8], 64)
		if err != nil {
			return Fix{}, fmt.Errorf("bad HDOP in %q: %w", line, err)
		}
	}
	if fields[9] != "" {
		fix.Altitude, err = strconv.ParseFloat(fields[9], 64)
		if err != nil {
			return Fix{}, fmt.Errorf("bad altitude in %q: %w", line, err)
		}
	}
	return fix, nil
}

func checksum(body string) byte {
	var sum byte
	for i := 0; i < len(body); i++ {
		sum ^= body[i]
	}
	return sum
}

// parseCoordinate converts the NMEA ddmm.mmmm encoding to decimal
// degrees. Latitude uses two degree digits, longitude three; both are
// handled by splitting at the minutes boundary.
func parseCoordinate(value, hemisphere, positive, negative string) (float64, error) {
	if value == "" {
		return 0, nil
	}
	dot := strings.IndexByte(value, '.')
	if dot < 0 {
		dot = len(value)
	}
	if dot < 3 {
		return 0, fmt.Errorf("coordinate too short: %q", value)
	}
	degrees, err := strconv.ParseFloat(value[:dot-2], 64)
	if err != nil {
		return 0, err
	}
	minutes, err := strconv.ParseFloat(value[dot-2:], 64)
	if err != nil {
		return 0, err
	}
	deg := degrees + minutes/60
	switch hemisphere {
	case positive, "":
		return deg, nil
	case negative:
		return -deg, nil
	}
	return 0, fmt.Errorf("unexpected hemisphere %q", hemisphere)
}

// parseUTC converts the hhmmss.ss time-of-day field to a timestamp on
// today's UTC date. GGA carries no date, so midnight rollover during a
// session shifts fixes by a day; the fusion pipeline only uses relative
// timing, which is unaffected.
func parseUTC(value string) (time.Time, error) {
	if len(value) < 6 {
		return time.Time{}, fmt.Errorf("time field too short: %q", value)
	}
	hours, err := strconv.Atoi(value[0:2])
	if err != nil {
		return time.Time{}, err
	}
	minutes, err := strconv.Atoi(value[2:4])
	if err != nil {
		return time.Time{}, err
	}
	seconds, err := strconv.ParseFloat(value[4:], 64)
	if err != nil {
		return time.Time{}, err
	}
	now := time.Now().UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return midnight.Add(time.Duration(hours)*time.Hour +
		time.Duration(minutes)*time.Minute +
		time.Duration(seconds*float64(time.Second))), nil
}

const earthRadiusMeters = 6378137.0

// Datum is the geodetic origin of the local east-north-up frame.
type Datum struct {
	Latitude  float64
	Longitude float64
	Altitude  float64
}

// ENU projects a fix into the local tangent frame at the datum using an
// equirectangular approximation. Adequate for site-scale operation; the
// error grows with distance from the datum.
func (d Datum) ENU(fix Fix) [3]float64 {
	latRad := d.Latitude * math.Pi / 180
	east := (fix.Longitude - d.Longitude) * math.Pi / 180 * earthRadiusMeters * math.Cos(latRad)
	north := (fix.Latitude - d.Latitude) * math.Pi / 180 * earthRadiusMeters
	up := fix.Altitude - d.Altitude
	return [3]float64{east, north, up}
}
