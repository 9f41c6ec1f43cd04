package poll

import (
	"bytes"
	"encoding/xml"
	"io"
	"strings"
)

// discoverHub はフィード本文からPubSubHubbubハブのURLを探す。
// rel="hub"のlink要素を先頭から走査し、最初に見つかったhrefを返す。
// gofeedはlink要素のrel属性を保持しないため、生のXMLを直接走査する。
func discoverHub(body []byte) string {
	decoder := xml.NewDecoder(bytes.NewReader(body))
	decoder.Strict = false

	for {
		token, err := decoder.Token()
		if err == io.EOF {
			return ""
		}
		if err != nil {
			return ""
		}

		start, ok := token.(xml.StartElement)
		if !ok || start.Name.Local != "link" {
			continue
		}

		var rel, href string
		for _, attr := range start.Attr {
			switch attr.Name.Local {
			case "rel":
				rel = attr.Value
			case "href":
				href = attr.Value
			}
		}
		if strings.EqualFold(rel, "hub") && href != "" {
			return href
		}
	}
}
