package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var (
	apiHost string
	token   string
)

func main() {
	var rootCmd = &cobra.Command{
		Use:   "trunkdial-cli",
		Short: "CLI for the Trunkdial campaign dialer",
		Long:  `A command line tool to drive the Trunkdial service over its REST API.`,
	}

	rootCmd.PersistentFlags().StringVar(&apiHost, "host", "http://localhost:8080", "Base URL of the API")
	rootCmd.PersistentFlags().StringVar(&token, "token", os.Getenv("TRUNKDIAL_TOKEN"), "Bearer token (or TRUNKDIAL_TOKEN)")

	// === LOGIN ===
	var loginCmd = &cobra.Command{
		Use:   "login [username] [password]",
		Short: "Authenticate and print a token",
		Args:  cobra.ExactArgs(2),
		Run:   runLogin,
	}

	// === PORTS ===
	var portCmd = &cobra.Command{
		Use:   "port",
		Short: "Manage trunk ports",
	}

	var portListCmd = &cobra.Command{
		Use:   "list",
		Short: "List your ports",
		Run:   runPortList,
	}

	var portAddCmd = &cobra.Command{
		Use:   "add",
		Short: "Register a port",
		Run:   runPortAdd,
	}
	portAddCmd.Flags().String("trunk", "", "Trunk name (required)")
	portAddCmd.Flags().Int("number", 0, "Port number on the trunk (required)")
	portAddCmd.Flags().String("sip-user", "", "SIP username")
	portAddCmd.Flags().String("sip-secret", "", "SIP secret")

	portCmd.AddCommand(portListCmd, portAddCmd)

	// === CAMPAIGNS ===
	var campaignCmd = &cobra.Command{
		Use:   "campaign",
		Short: "Manage campaigns",
	}

	var campaignAddCmd = &cobra.Command{
		Use:   "add",
		Short: "Create a campaign",
		Run:   runCampaignAdd,
	}
	campaignAddCmd.Flags().String("name", "", "Campaign name (required)")
	campaignAddCmd.Flags().String("cid", "", "Caller ID (required)")

	var contactsAddCmd = &cobra.Command{
		Use:   "contacts [campaign-id] [number...]",
		Short: "Add phone numbers to a campaign",
		Args:  cobra.MinimumNArgs(2),
		Run:   runContactsAdd,
	}

	campaignCmd.AddCommand(campaignAddCmd, contactsAddCmd)

	// === DIAL ===
	var dialCmd = &cobra.Command{
		Use:   "dial",
		Short: "Control dial jobs",
	}

	var dialStartCmd = &cobra.Command{
		Use:   "start [campaign-id]",
		Short: "Start a dial job",
		Args:  cobra.ExactArgs(1),
		Run:   runDialStart,
	}
	dialStartCmd.Flags().Int("max", 0, "Max concurrent calls (0 = all ports)")

	var dialStopCmd = &cobra.Command{
		Use:   "stop [job-id]",
		Short: "Cancel a dial job",
		Args:  cobra.ExactArgs(1),
		Run:   runDialStop,
	}

	var dialStatusCmd = &cobra.Command{
		Use:   "status [job-id]",
		Short: "Show a job snapshot",
		Args:  cobra.ExactArgs(1),
		Run:   runDialStatus,
	}

	dialCmd.AddCommand(dialStartCmd, dialStopCmd, dialStatusCmd)

	rootCmd.AddCommand(loginCmd, portCmd, campaignCmd, dialCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func client() *http.Client {
	return &http.Client{Timeout: 15 * time.Second}
}

func doRequest(method, path string, body interface{}) ([]byte, int) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			fmt.Printf("Error encoding request: %v\n", err)
			os.Exit(1)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, apiHost+path, reader)
	if err != nil {
		fmt.Printf("Error building request: %v\n", err)
		os.Exit(1)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client().Do(req)
	if err != nil {
		fmt.Printf("Error contacting API: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(resp.Body)
	return data, resp.StatusCode
}

func fail(data []byte, status int) {
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &e) == nil && e.Error != "" {
		fmt.Printf("Error (%d): %s\n", status, e.Error)
	} else {
		fmt.Printf("Error (%d): %s\n", status, string(data))
	}
	os.Exit(1)
}

func runLogin(cmd *cobra.Command, args []string) {
	data, status := doRequest("POST", "/api/v1/login", map[string]string{
		"username": args[0],
		"password": args[1],
	})
	if status != http.StatusOK {
		fail(data, status)
	}

	var resp struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		fmt.Printf("Error decoding response: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(resp.Token)
}

func runPortList(cmd *cobra.Command, args []string) {
	data, status := doRequest("GET", "/api/v1/ports", nil)
	if status != http.StatusOK {
		fail(data, status)
	}

	var ports []struct {
		ID           string  `json:"id"`
		Trunk        string  `json:"trunk"`
		PortNumber   int     `json:"port_number"`
		State        string  `json:"state"`
		CurrentJobID *string `json:"current_job_id"`
	}
	if err := json.Unmarshal(data, &ports); err != nil {
		fmt.Printf("Error decoding response: %v\n", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTRUNK\tPORT\tSTATE\tJOB")
	for _, p := range ports {
		job := "-"
		if p.CurrentJobID != nil {
			job = *p.CurrentJobID
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", p.ID, p.Trunk, p.PortNumber, p.State, job)
	}
	w.Flush()
}

func runPortAdd(cmd *cobra.Command, args []string) {
	trunk, _ := cmd.Flags().GetString("trunk")
	number, _ := cmd.Flags().GetInt("number")
	sipUser, _ := cmd.Flags().GetString("sip-user")
	sipSecret, _ := cmd.Flags().GetString("sip-secret")

	if trunk == "" || number <= 0 {
		fmt.Println("--trunk and --number are required")
		os.Exit(1)
	}

	data, status := doRequest("POST", "/api/v1/ports", map[string]interface{}{
		"trunk":        trunk,
		"port_number":  number,
		"sip_username": sipUser,
		"sip_secret":   sipSecret,
	})
	if status != http.StatusCreated {
		fail(data, status)
	}
	fmt.Println(string(data))
}

func runCampaignAdd(cmd *cobra.Command, args []string) {
	name, _ := cmd.Flags().GetString("name")
	cid, _ := cmd.Flags().GetString("cid")

	if name == "" || cid == "" {
		fmt.Println("--name and --cid are required")
		os.Exit(1)
	}

	data, status := doRequest("POST", "/api/v1/campaigns", map[string]string{
		"name":      name,
		"caller_id": cid,
	})
	if status != http.StatusCreated {
		fail(data, status)
	}
	fmt.Println(string(data))
}

func runContactsAdd(cmd *cobra.Command, args []string) {
	data, status := doRequest("POST", "/api/v1/campaigns/contacts", map[string]interface{}{
		"campaign_id": args[0],
		"numbers":     args[1:],
	})
	if status != http.StatusOK {
		fail(data, status)
	}
	fmt.Println(string(data))
}

func runDialStart(cmd *cobra.Command, args []string) {
	max, _ := cmd.Flags().GetInt("max")

	data, status := doRequest("POST", "/api/v1/dial/start", map[string]interface{}{
		"campaign_id":    args[0],
		"max_concurrent": max,
	})
	if status != http.StatusCreated {
		fail(data, status)
	}
	fmt.Println(string(data))
}

func runDialStop(cmd *cobra.Command, args []string) {
	data, status := doRequest("POST", "/api/v1/dial/stop", map[string]string{
		"job_id": args[0],
	})
	if status != http.StatusOK {
		fail(data, status)
	}
	fmt.Println("Job stopped")
}

func runDialStatus(cmd *cobra.Command, args []string) {
	data, status := doRequest("GET", "/api/v1/dial/status?job_id="+args[0], nil)
	if status != http.StatusOK {
		fail(data, status)
	}

	var st struct {
		JobID           string `json:"job_id"`
		CampaignID      string `json:"campaign_id"`
		State           string `json:"state"`
		TotalCalls      int    `json:"total_calls"`
		CompletedCalls  int    `json:"completed_calls"`
		SuccessfulCalls int    `json:"successful_calls"`
		FailedCalls     int    `json:"failed_calls"`
		PendingCalls    int    `json:"pending_calls"`
		ActiveCalls     int    `json:"active_calls"`
		ReservedPorts   int    `json:"reserved_ports"`
	}
	if err := json.Unmarshal(data, &st); err != nil {
		fmt.Printf("Error decoding response: %v\n", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "Job:\t%s\n", st.JobID)
	fmt.Fprintf(w, "Campaign:\t%s\n", st.CampaignID)
	fmt.Fprintf(w, "State:\t%s\n", st.State)
	fmt.Fprintf(w, "Total:\t%d\n", st.TotalCalls)
	fmt.Fprintf(w, "Completed:\t%d (%d ok / %d failed)\n", st.CompletedCalls, st.SuccessfulCalls, st.FailedCalls)
	fmt.Fprintf(w, "Pending:\t%d\n", st.PendingCalls)
	fmt.Fprintf(w, "Active calls:\t%d\n", st.ActiveCalls)
	fmt.Fprintf(w, "Reserved ports:\t%d\n", st.ReservedPorts)
	w.Flush()
}
