package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"dvbserver/internal/config"
	"dvbserver/internal/transponder"
)

const ChannelMapPath = "/channelmap/"

// suffix of the channel URL streamed directly
const streamSuffix = ".ts"

// channelResponse tells a client where a channel is streamed
type channelResponse struct {
	Tuner  string `json:"tuner"`
	Stream string `json:"stream"`
	Fresh  bool   `json:"fresh"`
}

func (s *Server) channelmapHandler(w http.ResponseWriter, r *http.Request) {
	if !strings.HasPrefix(r.URL.Path, ChannelMapPath) {
		http.Error(w, "404 not found.", http.StatusNotFound)
		return
	}
	subpath := strings.TrimLeft(r.URL.Path[len(ChannelMapPath):], "/")

	// not extension, just return list of services
	if subpath == "" || subpath == "serviceslist.xml" {
		if r.Method != http.MethodGet {
			http.Error(w, "Method is not supported.", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/xml; charset=utf-8")
		channelmapListWrite(w, s.config.ChannelMaps, r.Host)
		return
	}

	splitpath := strings.SplitN(subpath, "/", 2)

	// we must have two part path
	if len(splitpath) != 2 {
		http.Error(w, "404 not found.", http.StatusNotFound)
		return
	}

	// try to find channel map
	channelmap, exists := s.config.ChannelMaps[splitpath[0]]
	if !exists {
		http.Error(w, "404 not found.", http.StatusNotFound)
		return
	}

	if splitpath[1] == "serviceslist.xml" {
		if r.Method != http.MethodGet {
			http.Error(w, "Method is not supported.", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/xml; charset=utf-8")
		channelMapWrite(w, channelmap, r.Host, splitpath[0])
		return
	}

	// channel number, either allocated (POST) or streamed (GET .ts)
	number := splitpath[1]
	direct := strings.HasSuffix(number, streamSuffix)
	number = strings.TrimSuffix(number, streamSuffix)

	n, err := strconv.Atoi(number)
	channel, found := channelmap.Channels[n]
	if err != nil || !found {
		http.Error(w, "404 not found. Unknown channel", http.StatusNotFound)
		return
	}

	switch {
	case direct && r.Method == http.MethodGet:
	case !direct && r.Method == http.MethodPost:
	default:
		http.Error(w, "Method is not supported.", http.StatusMethodNotAllowed)
		return
	}

	response, status, err := s.startChannel(splitpath[0]+"/"+number, channel)
	if err != nil {
		log.Warnf("channel %s/%s: %v", splitpath[0], number, err)
		http.Error(w, err.Error(), status)
		return
	}

	if direct {
		http.Redirect(w, r, response.Stream, http.StatusFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// lease a tuner for the channel, tune it and descramble the service
func (s *Server) startChannel(key string, channel config.Channel) (channelResponse, int, error) {
	var response channelResponse

	tp, err := transponder.Parse(channel.Transponder)
	if err != nil {
		return response, http.StatusInternalServerError, err
	}

	t, fresh, err := s.tm.Allocate(key, tp.Type())
	if err == errNoTuner {
		return response, http.StatusTooManyRequests, err
	}
	if err != nil {
		return response, http.StatusServiceUnavailable, err
	}

	if fresh {
		ok, err := t.Tune(tp)
		if err == nil && !ok {
			err = fmt.Errorf("tuner %s cannot tune %s", t.Name(), tp)
		}
		if err == nil && channel.ServiceID != 0 {
			err = t.StartDescrambling(channel.ServiceID)
		}
		if err != nil {
			s.tm.Release(t)
			return response, http.StatusServiceUnavailable, err
		}
	}

	query := url.Values{}
	for _, pid := range channel.Pids {
		query.Add("pid", strconv.Itoa(pid))
	}
	response.Tuner = t.Name()
	response.Stream = StreamPath + url.PathEscape(t.Name()) + "?" + query.Encode()
	response.Fresh = fresh
	return response, http.StatusOK, nil
}

func sortedNames(maps map[string]config.ChannelMap) []string {
	names := make([]string, 0, len(maps))
	for name := range maps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func sortedNumbers(channels map[int]config.Channel) []int {
	numbers := make([]int, 0, len(channels))
	for n := range channels {
		numbers = append(numbers, n)
	}
	sort.Ints(numbers)
	return numbers
}

func providerOfferingWrite(w io.Writer, channelmap config.ChannelMap, host string, name string) {
	io.WriteString(w, "<sld:ProviderOffering>\n")
	io.WriteString(w, "<sld:Provider>\n")
	fmt.Fprintf(w, "<sld:Name>%s</sld:Name>\n", channelmap.Provider)
	io.WriteString(w, "</sld:Provider>\n")

	io.WriteString(w, "<sld:ServiceListOffering>\n")
	fmt.Fprintf(w, "<sld:ServiceListName>%s</sld:ServiceListName>\n", name)
	io.WriteString(w, "<sld:ServiceListURI contentType=\"application/xml\">\n")
	fmt.Fprintf(w, "<dvbisd:URI>http://%s%s%s/serviceslist.xml</dvbisd:URI>\n", host, ChannelMapPath, name)
	io.WriteString(w, "</sld:ServiceListURI>\n")
	io.WriteString(w, "</sld:ServiceListOffering>\n")

	io.WriteString(w, "</sld:ProviderOffering>\n")
}

func channelmapListWrite(w io.Writer, maps map[string]config.ChannelMap, host string) {
	io.WriteString(w, "<?xml version=\"1.0\" encoding=\"UTF-8\"?>\n")
	io.WriteString(w, "<sld:ServiceListEntryPoints xmlns:sld=\"urn:dvb:metadata:servicelistdiscovery:2019\" xmlns:dvbisd=\"urn:dvb:metadata:servicediscovery:2019\">\n")
	io.WriteString(w, "<sld:ServiceListRegistryEntity regulatorFlag=\"false\">\n")
	io.WriteString(w, "</sld:ServiceListRegistryEntity>\n")

	for _, name := range sortedNames(maps) {
		providerOfferingWrite(w, maps[name], host, name)
	}

	io.WriteString(w, "</sld:ServiceListEntryPoints>\n")
}

func GenerateServiceRef(channelmap config.ChannelMap, channel config.Channel) string {
	return "tag:" + channelmap.Provider + ",2022:" + strings.ReplaceAll(strings.ToLower(channel.Name), " ", "_")
}

func channelMapWrite(w io.Writer, channelmap config.ChannelMap, host string, name string) {
	io.WriteString(w, "<?xml version=\"1.0\" encoding=\"UTF-8\"?>\n")
	io.WriteString(w, "<ServiceList xmlns=\"urn:dvb:metadata:servicediscovery:2019\" version=\"1\">\n")

	fmt.Fprintf(w, "<Name>%s</Name>\n", name)
	fmt.Fprintf(w, "<ProviderName>%s</ProviderName>\n", channelmap.Provider)

	numbers := sortedNumbers(channelmap.Channels)

	// LCN table
	io.WriteString(w, "<LCNTableList>\n<LCNTable>\n")
	for _, number := range numbers {
		fmt.Fprintf(w, "<LCN channelNumber=\"%d\" serviceRef=\"%s\"/>\n", number, GenerateServiceRef(channelmap, channelmap.Channels[number]))
	}
	io.WriteString(w, "</LCNTable>\n</LCNTableList>\n")

	for _, number := range numbers {
		channel := channelmap.Channels[number]
		io.WriteString(w, "<Service version=\"1\">\n")
		fmt.Fprintf(w, "<UniqueIdentifier>%s</UniqueIdentifier>\n", GenerateServiceRef(channelmap, channel))
		io.WriteString(w, "<ServiceInstance priority=\"1\">\n")
		io.WriteString(w, "<SourceType>urn:dvb:metadata:source:dvb-iptv</SourceType>\n")
		io.WriteString(w, "<UriBasedLocation contentType=\"video/mp2t\">\n")
		fmt.Fprintf(w, "<URI>http://%s%s%s/%d%s</URI>\n", host, ChannelMapPath, name, number, streamSuffix)
		io.WriteString(w, "</UriBasedLocation>\n")
		io.WriteString(w, "</ServiceInstance>\n")
		fmt.Fprintf(w, "<ServiceName>%s</ServiceName>\n", channel.Name)
		fmt.Fprintf(w, "<ProviderName>%s</ProviderName>\n", channelmap.Provider)
		io.WriteString(w, "</Service>\n")
	}

	io.WriteString(w, "</ServiceList>\n")
}
