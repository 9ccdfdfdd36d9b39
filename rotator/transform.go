package rotator

import "math"

// Wrap360 folds angle into [0, 360).
func Wrap360(angle float64) float64 {
	angle = math.Mod(angle, 360)
	if angle < 0 {
		angle += 360
	}
	// Tiny negative inputs land exactly on 360 after the addition.
	if angle >= 360 {
		angle -= 360
	}
	return angle
}

// AzimuthDistance is the shortest angular distance between two azimuths.
func AzimuthDistance(a, b float64) float64 {
	return circularDistance(a, b, 360)
}

// ElevationDistance is AzimuthDistance over a 90 degree span.
func ElevationDistance(a, b float64) float64 {
	return circularDistance(a, b, 90)
}

func circularDistance(a, b, span float64) float64 {
	d := math.Abs(a - b)
	return math.Min(d, span-d)
}

// Offset maps between the client's coordinate frame and the device's.
// Azimuth and Elevation are added to requested positions and subtracted
// from reported ones.
type Offset struct {
	Azimuth   float64
	Elevation float64
}

// DeviceAzimuth is the pan angle to send for a requested azimuth.
func (o Offset) DeviceAzimuth(az float64) float64 {
	return Wrap360(az + o.Azimuth)
}

// ClientAzimuth converts a reported pan angle back to azimuth.
func (o Offset) ClientAzimuth(pan float64) float64 {
	return pan - o.Azimuth
}

// DeviceTilt converts an elevation into the device's tilt, which counts
// down from the zenith.
func (o Offset) DeviceTilt(el float64) float64 {
	return 90 - (el + o.Elevation)
}

// ClientElevation converts a reported tilt back to elevation.
func (o Offset) ClientElevation(tilt float64) float64 {
	return 90 - (tilt - o.Elevation)
}
