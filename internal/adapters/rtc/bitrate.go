package rtc

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"
)

// SetOpusBitrate sets maxaveragebitrate on every Opus payload in the audio
// sections of raw. bps <= 0 returns raw unchanged.
func SetOpusBitrate(raw string, bps int) (string, error) {
	if bps <= 0 {
		return raw, nil
	}
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(raw)); err != nil {
		return "", fmt.Errorf("parse sdp: %w", err)
	}

	for _, md := range desc.MediaDescriptions {
		if md.MediaName.Media != "audio" {
			continue
		}
		opus := map[string]bool{}
		for _, a := range md.Attributes {
			if a.Key != "rtpmap" {
				continue
			}
			pt, codec, ok := strings.Cut(a.Value, " ")
			if ok && strings.HasPrefix(strings.ToLower(codec), "opus/") {
				opus[pt] = true
			}
		}
		for pt := range opus {
			found := false
			for i, a := range md.Attributes {
				if a.Key != "fmtp" {
					continue
				}
				fpt, params, _ := strings.Cut(a.Value, " ")
				if fpt != pt {
					continue
				}
				md.Attributes[i].Value = pt + " " + withParam(params, "maxaveragebitrate", strconv.Itoa(bps))
				found = true
			}
			if !found {
				md.WithValueAttribute("fmtp", pt+" maxaveragebitrate="+strconv.Itoa(bps))
			}
		}
	}

	out, err := desc.Marshal()
	if err != nil {
		return "", fmt.Errorf("marshal sdp: %w", err)
	}
	return string(out), nil
}

// withParam sets key=value in a ';'-separated fmtp parameter list.
func withParam(params, key, value string) string {
	var parts []string
	replaced := false
	for _, p := range strings.Split(params, ";") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		k, _, _ := strings.Cut(p, "=")
		if strings.EqualFold(k, key) {
			p = key + "=" + value
			replaced = true
		}
		parts = append(parts, p)
	}
	if !replaced {
		parts = append(parts, key+"="+value)
	}
	return strings.Join(parts, ";")
}
