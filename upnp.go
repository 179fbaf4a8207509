package main

import (
	"crypto/sha256"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/koron/go-ssdp"
	"github.com/pkg/errors"
)

const defaultuuid = "uuid:11e77140-70dc-4d30-80dd-c6ddae09bd41"

const SERVERDESCPATH = "/server.xml"
const SERVERSTRING = "DVB Tuner Server 1.0"

// interval between two SSDP alive messages
const advertiseInterval = 300 * time.Second

// UPnPDevice advertises the server on the local network
type UPnPDevice struct {
	name string
	port int
	uuid string

	advertiser *ssdp.Advertiser
	ticker     *time.Ticker
	done       chan struct{}
}

// this trick is to get local IP
func upnpLocalAddress() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()

	addr := conn.LocalAddr().String()
	return strings.Split(addr, ":")[0], nil
}

// generate a unique id from MAC address
func upnpGenerateUUID() string {
	interfaces, err := net.Interfaces()
	if err != nil {
		// return fake static uuid
		return defaultuuid
	}

	for _, i := range interfaces {
		// keep only up and non loopback
		if i.Flags&net.FlagUp == 0 || i.Flags&net.FlagLoopback != 0 || len(i.HardwareAddr) == 0 {
			continue
		}
		// Skip locally administered addresses
		if i.HardwareAddr[0]&2 == 2 || i.HardwareAddr[0] == 0 {
			continue
		}

		log.Printf("generate UUID from MAC address of %s", i.Name)
		return uuidFromMAC(i.HardwareAddr)
	}

	return defaultuuid
}

// format part of the SHA 256 of a MAC address as uuid
func uuidFromMAC(mac net.HardwareAddr) string {
	h := sha256.Sum256(mac)
	return fmt.Sprintf("uuid:%x-%x-%x-%x-%x", h[0:4], h[4:6], h[6:8], h[8:10], h[10:16])
}

func NewUPnPDevice(name string, port int) *UPnPDevice {
	d := new(UPnPDevice)
	d.name = name
	d.port = port
	d.uuid = upnpGenerateUUID()
	return d
}

func (d *UPnPDevice) descriptionHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/xml")

	log.Debugf("request UPnP root description from %s", r.RemoteAddr)

	io.WriteString(w, "<?xml version=\"1.0\"?>\r\n")
	io.WriteString(w, "<root xmlns=\"urn:schemas-upnp-org:device-1-0\" configId=\"0\">\r\n")
	io.WriteString(w, "<specVersion>\r\n<major>1</major>\r\n<minor>1</minor>\r\n</specVersion>\r\n")
	io.WriteString(w, "<device>\r\n")
	io.WriteString(w, "<deviceType>urn:ses-com:device:SatIPServer:1</deviceType>\r\n")
	fmt.Fprintf(w, "<friendlyName>%s</friendlyName>\r\n", d.name)
	io.WriteString(w, "<manufacturer>DVB</manufacturer>\r\n")
	io.WriteString(w, "<modelDescription>DVB Tuner Server</modelDescription>\r\n")
	io.WriteString(w, "<modelName>dvbserver</modelName>\r\n")
	io.WriteString(w, "<modelNumber>0</modelNumber>\r\n")
	io.WriteString(w, "<serialNumber>0</serialNumber>\r\n")
	fmt.Fprintf(w, "<UDN>%s</UDN>\r\n", d.uuid)
	io.WriteString(w, "<presentationURL>/status</presentationURL>\r\n")
	io.WriteString(w, "</device>\r\n")
	io.WriteString(w, "</root>\r\n")
}

// Start registers the description handler and advertises the server
func (d *UPnPDevice) Start(svrmux *http.ServeMux) error {
	address, err := upnpLocalAddress()
	if err != nil {
		return errors.Wrap(err, "UPnP local address")
	}
	location := fmt.Sprintf("http://%s:%d%s", address, d.port, SERVERDESCPATH)
	log.Printf("UPnP location %s", location)

	d.advertiser, err = ssdp.Advertise(
		"upnp:rootdevice",          // send as "ST"
		d.uuid+"::upnp:rootdevice", // send as "USN"
		location,                   // send as "LOCATION"
		SERVERSTRING,               // send as "SERVER"
		1800)                       // send as "maxAge" in "CACHE-CONTROL"
	if err != nil {
		return errors.Wrap(err, "SSDP advertise")
	}

	svrmux.HandleFunc(SERVERDESCPATH, d.descriptionHandler)

	d.ticker = time.NewTicker(advertiseInterval)
	d.done = make(chan struct{})
	go func() {
		for {
			select {
			case <-d.done:
				return
			case <-d.ticker.C:
				log.Debugf("SSDP advertise")
				if err := d.advertiser.Alive(); err != nil {
					log.Warnf("SSDP alive: %v", err)
				}
			}
		}
	}()
	return nil
}

func (d *UPnPDevice) Stop() {
	if d.advertiser == nil {
		return
	}
	d.ticker.Stop()
	close(d.done)
	d.advertiser.Bye()
	d.advertiser.Close()
	d.advertiser = nil
}
